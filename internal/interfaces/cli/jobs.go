package cli

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/turtacn/mixprop/internal/infrastructure/database/postgres"
	"github.com/turtacn/mixprop/internal/worker"
	"github.com/turtacn/mixprop/pkg/errors"
)

// jobSaver is the part of *postgres.JobRepository the recorder needs.
type jobSaver interface {
	Save(ctx context.Context, rec *postgres.JobRecord) error
}

// jobRecorder stores worker results in the job history.
type jobRecorder struct {
	jobs jobSaver
}

func (r jobRecorder) RecordResult(ctx context.Context, kind string, res *worker.PredictionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode job result")
	}
	return r.jobs.Save(ctx, &postgres.JobRecord{
		JobID:        res.JobID,
		Kind:         kind,
		Status:       res.Status,
		ModelID:      res.ModelID,
		ModelVersion: res.ModelVersion,
		ErrorCode:    res.ErrorCode,
		Error:        res.Error,
		Result:       payload,
		DurationMs:   res.DurationMs,
		CompletedAt:  res.CompletedAt,
	})
}

// MigrationStatus reports the job history schema version.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func (s *MigrationStatus) TableHeaders() []string { return []string{"VERSION", "DIRTY"} }

func (s *MigrationStatus) TableRows() [][]string {
	return [][]string{{strconv.FormatUint(uint64(s.Version), 10), strconv.FormatBool(s.Dirty)}}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the job history schema",
		Long: "Apply, roll back or inspect the PostgreSQL schema that stores worker results.\n" +
			"Connection settings come from the postgres section of the configuration.",
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(cliCtx.Config.Postgres.DSN(), cliCtx.Logger); err != nil {
				return err
			}
			return printMigrationStatus(cmd, cliCtx)
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if err := postgres.RollbackMigrations(cliCtx.Config.Postgres.DSN(), steps, cliCtx.Logger); err != nil {
				return err
			}
			return printMigrationStatus(cmd, cliCtx)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return printMigrationStatus(cmd, cliCtx)
		},
	}
	cmd.AddCommand(up, down, status)
	return cmd
}

func printMigrationStatus(cmd *cobra.Command, cliCtx *CLIContext) error {
	version, dirty, err := postgres.MigrationStatus(cliCtx.Config.Postgres.DSN())
	if err != nil {
		return err
	}
	return PrintResult(cmd, &MigrationStatus{Version: version, Dirty: dirty})
}
