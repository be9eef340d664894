package mixprop

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

const checkpointExt = ".json"

// CheckpointStore persists checkpoints by id.
type CheckpointStore interface {
	Save(ctx context.Context, c *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context) ([]string, error)
}

// ---------------------------------------------------------------------------
// Local directory
// ---------------------------------------------------------------------------

// FileCheckpointStore keeps one <id>.json file per checkpoint in a directory.
type FileCheckpointStore struct {
	dir    string
	logger logging.Logger
}

// NewFileCheckpointStore creates dir if needed.
func NewFileCheckpointStore(dir string, log logging.Logger) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to create checkpoint directory").WithDetail(dir)
	}
	return &FileCheckpointStore{dir: dir, logger: logging.OrNop(log)}, nil
}

func (s *FileCheckpointStore) path(id string) string {
	return filepath.Join(s.dir, id+checkpointExt)
}

// Save writes c atomically through a temporary file.
func (s *FileCheckpointStore) Save(_ context.Context, c *Checkpoint) error {
	if err := validateCheckpointID(c.ID); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeCheckpoint(&buf, c); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to write checkpoint")
	}
	if err := os.Rename(tmp.Name(), s.path(c.ID)); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to publish checkpoint")
	}
	s.logger.Info("checkpoint saved", logging.String("id", c.ID), logging.String("dir", s.dir))
	return nil
}

// Load reads the checkpoint with the given id.
func (s *FileCheckpointStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	if err := validateCheckpointID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeCheckpointNotFound, "checkpoint not found").WithDetail(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to open checkpoint")
	}
	defer f.Close()
	return DecodeCheckpoint(f)
}

// List returns the stored checkpoint ids in lexical order.
func (s *FileCheckpointStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to list checkpoints")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), checkpointExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), checkpointExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ---------------------------------------------------------------------------
// Object storage
// ---------------------------------------------------------------------------

// ObjectStorage is the blob store behind ObjectCheckpointStore. The MinIO
// repository implements it.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectCheckpointStore keeps checkpoints as <prefix><id>.json objects.
type ObjectCheckpointStore struct {
	objects ObjectStorage
	prefix  string
	logger  logging.Logger
}

// NewObjectCheckpointStore wraps an object store.
func NewObjectCheckpointStore(objects ObjectStorage, prefix string, log logging.Logger) *ObjectCheckpointStore {
	return &ObjectCheckpointStore{objects: objects, prefix: prefix, logger: logging.OrNop(log)}
}

func (s *ObjectCheckpointStore) key(id string) string {
	return s.prefix + id + checkpointExt
}

func (s *ObjectCheckpointStore) Save(ctx context.Context, c *Checkpoint) error {
	if err := validateCheckpointID(c.ID); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeCheckpoint(&buf, c); err != nil {
		return err
	}
	if err := s.objects.Put(ctx, s.key(c.ID), buf.Bytes(), "application/json"); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to upload checkpoint").WithDetail(c.ID)
	}
	s.logger.Info("checkpoint uploaded", logging.String("id", c.ID), logging.Int("bytes", buf.Len()))
	return nil
}

func (s *ObjectCheckpointStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := validateCheckpointID(id); err != nil {
		return nil, err
	}
	data, err := s.objects.Get(ctx, s.key(id))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.New(errors.ErrCodeCheckpointNotFound, "checkpoint not found").WithDetail(id)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to download checkpoint").WithDetail(id)
	}
	return DecodeCheckpoint(bytes.NewReader(data))
}

func (s *ObjectCheckpointStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.objects.List(ctx, s.prefix)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "failed to list checkpoints")
	}
	var ids []string
	for _, k := range keys {
		if !strings.HasSuffix(k, checkpointExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, s.prefix), checkpointExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func validateCheckpointID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errors.NewInvalidInputError("invalid checkpoint id").WithDetail(id)
	}
	return nil
}
