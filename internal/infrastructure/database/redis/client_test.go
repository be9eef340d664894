package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(&RedisConfig{Mode: "standalone", Addr: mr.Addr()}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewClient_Standalone_Success(t *testing.T) {
	client, _ := newTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewClient_ConnectionFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client, err := NewClient(&RedisConfig{Addr: addr, MaxRetries: -1}, logging.NewNopLogger())
	assert.Nil(t, client)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))
	assert.True(t, errors.Retryable(err))
}

func TestApplyDefaults(t *testing.T) {
	cfg := &RedisConfig{}
	applyDefaults(cfg)
	assert.Positive(t, cfg.PoolSize)
	assert.NotZero(t, cfg.DialTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestBuildTLSConfig(t *testing.T) {
	tlsCfg, err := buildTLSConfig(&RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)

	tlsCfg, err = buildTLSConfig(&RedisConfig{TLSEnabled: true, TLSInsecure: true})
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)

	_, err = buildTLSConfig(&RedisConfig{TLSEnabled: true, TLSCAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestClient_Operations(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "foo", "bar", 0).Err())
	val, err := client.Get(ctx, "foo").Result()
	require.NoError(t, err)
	assert.Equal(t, "bar", val)

	exists, err := client.Exists(ctx, "foo").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	deleted, err := client.Del(ctx, "foo").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestClient_Close(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	ctx := context.Background()
	assert.Equal(t, ErrClientClosed, client.Get(ctx, "foo").Err())
	assert.Equal(t, ErrClientClosed, client.Set(ctx, "foo", "bar", 0).Err())
	assert.Equal(t, ErrClientClosed, client.Del(ctx, "foo").Err())
	assert.Equal(t, ErrClientClosed, client.Ping(ctx))
}
