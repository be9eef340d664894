package minio

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

var (
	ErrObjectNotFound = errors.New(errors.ErrCodeNotFound, "object not found")
	ErrInvalidRequest = errors.New(errors.ErrCodeValidation, "invalid request")
)

// ObjectRepository reads and writes whole objects in the checkpoint bucket.
// Keys are relative to the configured prefix.
type ObjectRepository interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

type minioRepository struct {
	client *MinIOClient
	logger logging.Logger
}

func NewMinIORepository(client *MinIOClient, log logging.Logger) ObjectRepository {
	return &minioRepository{client: client, logger: logging.OrNop(log)}
}

func (r *minioRepository) objectName(key string) string {
	return r.client.config.Prefix + key
}

func (r *minioRepository) check(key string) error {
	if r.client.isClosed() {
		return ErrMinIOClientClosed
	}
	if key == "" {
		return ErrInvalidRequest.WithDetail("empty object key")
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (r *minioRepository) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := r.check(key); err != nil {
		return err
	}
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    uint64(r.client.config.PartSize),
	}
	info, err := r.client.client.PutObject(ctx, r.client.config.Bucket, r.objectName(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "upload failed").WithDetail(key)
	}
	r.logger.Debug("object uploaded", logging.String("key", info.Key), logging.Int64("size", info.Size))
	return nil
}

func (r *minioRepository) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(key); err != nil {
		return nil, err
	}
	bucket, name := r.client.config.Bucket, r.objectName(key)

	if _, err := r.client.client.StatObject(ctx, bucket, name, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, ErrObjectNotFound.WithDetail(key)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "stat failed").WithDetail(key)
	}

	obj, err := r.client.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "download failed").WithDetail(key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrObjectNotFound.WithDetail(key)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageFailure, "download failed").WithDetail(key)
	}
	return data, nil
}

func (r *minioRepository) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	_, err := r.client.client.StatObject(ctx, r.client.config.Bucket, r.objectName(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrCodeStorageFailure, "stat failed").WithDetail(key)
	}
	return true, nil
}

func (r *minioRepository) Delete(ctx context.Context, key string) error {
	if err := r.check(key); err != nil {
		return err
	}
	if err := r.client.client.RemoveObject(ctx, r.client.config.Bucket, r.objectName(key), minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageFailure, "delete failed").WithDetail(key)
	}
	return nil
}

// List returns keys under prefix, relative to the configured prefix.
// Objects under the staging prefix are skipped.
func (r *minioRepository) List(ctx context.Context, prefix string) ([]string, error) {
	if r.client.isClosed() {
		return nil, ErrMinIOClientClosed
	}
	base := r.client.config.Prefix
	objects := r.client.client.ListObjects(ctx, r.client.config.Bucket, minio.ListObjectsOptions{
		Prefix:    base + prefix,
		Recursive: true,
	})

	var keys []string
	for obj := range objects {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, errors.ErrCodeStorageFailure, "list failed")
		}
		key := strings.TrimPrefix(obj.Key, base)
		if strings.HasPrefix(key, StagingPrefix) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
