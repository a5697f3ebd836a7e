package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	c "github.com/life-stream-dev/life-stream-go-shortener/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mongoConfig(username, password string) c.MongoConfig {
	return c.MongoConfig{Host: "db", Port: 27017, Username: username, Password: password}
}

func TestFilePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url-mappings.json")
	ctx := context.Background()

	persister, err := NewFilePersister(path)
	require.NoError(t, err)

	empty, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	s := NewStore(persister)
	created, err := s.Create(ctx, "https://example.com/long")
	require.NoError(t, err)
	_, err = s.Resolve(ctx, created.ShortCode)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, created.ShortCode)
	assert.Equal(t, "https://example.com/long", raw[created.ShortCode]["originalUrl"])
	assert.Equal(t, float64(1), raw[created.ShortCode]["accessCount"])
	assert.NotContains(t, raw[created.ShortCode], "ShortCode")

	reopened, err := NewFilePersister(path)
	require.NoError(t, err)
	restored := NewStore(reopened)
	require.NoError(t, restored.Load(ctx))
	record, ok := restored.Get(created.ShortCode)
	require.True(t, ok)
	assert.Equal(t, int64(1), record.AccessCount)
	assert.WithinDuration(t, created.CreatedAt, record.CreatedAt, time.Millisecond)
	require.NoError(t, reopened.Close(ctx))
}

func TestFilePersisterIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url-mappings.json")

	first, err := NewFilePersister(path)
	require.NoError(t, err)

	_, err = NewFilePersister(path)
	assert.ErrorIs(t, err, ErrSnapshotLocked)

	require.NoError(t, first.Close(context.Background()))
	second, err := NewFilePersister(path)
	require.NoError(t, err)
	require.NoError(t, second.Close(context.Background()))
}

func TestFilePersisterRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url-mappings.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	persister, err := NewFilePersister(path)
	require.NoError(t, err)
	defer persister.Close(context.Background())

	_, err = persister.Load(context.Background())
	assert.Error(t, err)
}
