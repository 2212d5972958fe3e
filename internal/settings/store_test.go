package settings

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "settings.db")
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_SetGetDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, KeyLocale)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyLocale, "en"))
	require.NoError(t, s.Set(ctx, KeyLocale, "ja"))
	v, ok, err := s.Get(ctx, KeyLocale)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ja", v)

	require.NoError(t, s.Delete(ctx, KeyLocale))
	require.NoError(t, s.Delete(ctx, KeyLocale))
	_, ok, err = s.Get(ctx, KeyLocale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_All(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyLocale, "en"))
	require.NoError(t, s.Set(ctx, KeyWindowCloseAction, "minimize"))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyLocale: "en", KeyWindowCloseAction: "minimize"}, all)
}

func TestStore_EmptyKey(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "", "x"), ErrEmptyKey)
	_, _, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, s.Delete(ctx, ""), ErrEmptyKey)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyLocale, "fr"))
	require.NoError(t, s.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, KeyLocale)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fr", v)

	version, err := schemaVersion(reopened.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}
