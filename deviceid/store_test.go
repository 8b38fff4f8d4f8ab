package deviceid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStorage struct{}

func (failingStorage) Load(context.Context) (string, error) {
	return "", ErrStorageUnavailable
}

func (failingStorage) StoreOnce(context.Context, string) (string, error) {
	return "", ErrStorageUnavailable
}

func TestEnsureDeviceIDIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewFileStorage(t.TempDir()), "")
	defer store.Close()

	first, ok := store.EnsureDeviceID(ctx)
	require.True(t, ok)
	require.NotEmpty(t, first)

	second, ok := store.EnsureDeviceID(ctx)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestEnsureDeviceIDSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewStore(NewFileStorage(dir), "")
	id, ok := store.EnsureDeviceID(ctx)
	require.True(t, ok)
	store.Close()

	reopened := NewStore(NewFileStorage(dir), "")
	defer reopened.Close()
	again, ok := reopened.EnsureDeviceID(ctx)
	require.True(t, ok)
	assert.Equal(t, id, again)
}

func TestDeviceIDReadOnly(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryStorage(), "")
	defer store.Close()

	_, ok := store.DeviceID(ctx)
	assert.False(t, ok, "DeviceID must not create an identifier")

	id, ok := store.EnsureDeviceID(ctx)
	require.True(t, ok)

	got, ok := store.DeviceID(ctx)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestUnavailableStorageDegrades(t *testing.T) {
	ctx := context.Background()
	store := NewStore(failingStorage{}, "")
	defer store.Close()

	_, ok := store.EnsureDeviceID(ctx)
	assert.False(t, ok)

	meta := store.CollectMetadata(ctx)
	assert.Empty(t, meta.DeviceID)
	assert.NotEmpty(t, meta.DeviceName, "metadata stays best-effort without an id")
}

func TestCollectMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryStorage(), "1920x1080")
	defer store.Close()

	meta := store.CollectMetadata(ctx)
	assert.NotEmpty(t, meta.DeviceID)
	assert.NotEmpty(t, meta.DeviceName)
	assert.LessOrEqual(t, utf8.RuneCountInString(meta.DeviceName), maxNameLen)
	assert.NotEmpty(t, meta.UserAgent)
	assert.NotEmpty(t, meta.Locale)
	assert.NotEmpty(t, meta.Timezone)
	assert.Equal(t, "1920x1080", meta.Screen)

	cached, ok := store.CachedMetadata()
	require.True(t, ok)
	assert.Equal(t, meta, cached)
}

func TestCachedMetadataEmptyBeforeCollect(t *testing.T) {
	store := NewStore(NewMemoryStorage(), "")
	defer store.Close()

	_, ok := store.CachedMetadata()
	assert.False(t, ok)
}

func TestFileStorageNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	storage := NewFileStorage(t.TempDir())

	first, err := storage.StoreOnce(ctx, "id-one")
	require.NoError(t, err)
	assert.Equal(t, "id-one", first)

	second, err := storage.StoreOnce(ctx, "id-two")
	require.NoError(t, err)
	assert.Equal(t, "id-one", second)
}

func TestFileStorageCorruptFileIsUnavailable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFileName), []byte("not json"), 0o600))

	storage := NewFileStorage(dir)
	_, err := storage.Load(ctx)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = storage.StoreOnce(ctx, "id-new")
	assert.True(t, errors.Is(err, ErrStorageUnavailable), "a corrupt record must not be replaced")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcd", 2))
	assert.Equal(t, "héll", truncate("héllo", 4))
}
