package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestDirectorySinceDefaultsToZero(t *testing.T) {
	store := createTestStore(t)

	since, err := store.DirectorySince()
	require.NoError(t, err)
	assert.True(t, since.IsZero())
}

func TestSaveAndLoadDirectorySince(t *testing.T) {
	store := createTestStore(t)

	watermark := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SaveDirectorySince(watermark))

	since, err := store.DirectorySince()
	require.NoError(t, err)
	assert.True(t, since.Equal(watermark), "watermark %s != %s", since, watermark)
}

func TestWatermarkSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state_test.db")
	store, err := New(dbPath)
	require.NoError(t, err)

	watermark := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SaveDirectorySince(watermark))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	since, err := reopened.DirectorySince()
	require.NoError(t, err)
	assert.True(t, since.Equal(watermark))
}

func TestMediaIndex(t *testing.T) {
	store := createTestStore(t)

	present, err := store.HasMedia("https://cdn.example.com/a.jpg")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, store.MarkMedia("https://cdn.example.com/a.jpg", "/var/lib/axon/media/a.jpg"))

	present, err = store.HasMedia("https://cdn.example.com/a.jpg")
	require.NoError(t, err)
	assert.True(t, present)

	present, err = store.HasMedia("https://cdn.example.com/b.jpg")
	require.NoError(t, err)
	assert.False(t, present)
}
