package postgres

import (
	"embed"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func newMigrate(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to create migrate instance")
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate, log logging.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		log.Warn("migrate close failed", logging.Any("source_error", srcErr), logging.Any("database_error", dbErr))
	}
}

// RunMigrations applies every pending migration. Nothing pending is not an
// error.
func RunMigrations(dsn string, log logging.Logger) error {
	log = logging.OrNop(log)
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer closeMigrate(m, log)

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		version, _, _ := m.Version()
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to run migrations").
			WithDetailf("current version %d", version)
	}
	version, dirty, err := m.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		log.Warn("failed to read migration version", logging.Err(err))
	}
	log.Info("database migrations completed",
		logging.Int64("version", int64(version)),
		logging.Bool("dirty", dirty),
	)
	return nil
}

// RollbackMigrations reverts the last steps migrations.
func RollbackMigrations(dsn string, steps int, log logging.Logger) error {
	if steps <= 0 {
		return errors.NewInvalidInputError("steps must be positive").WithDetailf("got %d", steps)
	}
	log = logging.OrNop(log)
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer closeMigrate(m, log)

	if err := m.Steps(-steps); err != nil {
		if stderrors.Is(err, migrate.ErrNoChange) {
			return errors.NewInvalidInputError("no migrations to roll back")
		}
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to roll back migrations").
			WithDetailf("steps=%d", steps)
	}
	return nil
}

// MigrationStatus returns the applied version, 0 when none is. A dirty
// schema needs manual repair.
func MigrationStatus(dsn string) (version uint, dirty bool, err error) {
	m, err := newMigrate(dsn)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(m, logging.NewNopLogger())

	version, dirty, err = m.Version()
	if err != nil {
		if stderrors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read migration version")
	}
	return version, dirty, nil
}
