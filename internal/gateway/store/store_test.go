package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/grok-gateway/internal/shared/redis"
)

func TestFileStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(filepath.Join(dir, "nested"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Load(ctx, "token_status")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "token_status", []byte(`{"a":1}`)))
	require.NoError(t, s.Save(ctx, "token_status", []byte(`{"a":2}`)))

	data, err := s.Load(ctx, "token_status")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "token_status.json", entries[0].Name())
}

func TestRedisStore_SaveLoad(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	s := NewRedis(client)
	ctx := context.Background()

	_, err = s.Load(ctx, "token_pool")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "token_pool", []byte(`{"version":1}`)))
	data, err := s.Load(ctx, "token_pool")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(data))

	raw, err := mr.Get("grok2api:token_pool")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, raw)
	assert.Zero(t, mr.TTL("grok2api:token_pool"))
}
