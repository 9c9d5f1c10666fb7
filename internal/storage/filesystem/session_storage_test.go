package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/models"
)

func newTestStore(t *testing.T) (*SessionStorage, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSessionStorage(dir, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestFileName(t *testing.T) {
	name := FileName("player@example.com")
	assert.Contains(t, name, "player_at_example.com-")
	assert.Equal(t, ".json", filepath.Ext(name))

	// Ids that sanitise to the same text still map to different files
	assert.NotEqual(t, FileName("a/b"), FileName("a_b"))
	assert.NotContains(t, FileName("../../etc/passwd"), "/")
}

func TestSessionStorage_SaveLoadVersioning(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Load(ctx, "user@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)

	v1, err := store.Save(ctx, "user@example.com", []byte("one"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	_, err = store.Save(ctx, "user@example.com", []byte("stale"), 0)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	v2, err := store.Save(ctx, "user@example.com", []byte("two"), v1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	session, err := store.Load(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", session.ID)
	assert.Equal(t, "two", string(session.State))
}

func TestSessionStorage_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)

	for i := uint64(0); i < 5; i++ {
		_, err := store.Save(ctx, "s1", []byte("state"), i)
		require.NoError(t, err)
	}

	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestSessionStorage_InterruptedWriteKeepsOldBlob(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)

	_, err := store.Save(ctx, "s1", []byte("committed"), 0)
	require.NoError(t, err)

	// A crash between temp write and rename leaves a partial temp file only
	partial := filepath.Join(dir, FileName("s1")+".123.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`{"id":"s1","sta`), 0600))
	require.NoError(t, store.Close())

	reopened, err := NewSessionStorage(dir, arbor.NewLogger())
	require.NoError(t, err)
	defer reopened.Close()

	session, err := reopened.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "committed", string(session.State))

	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
}

func TestSessionStorage_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, id := range []string{"a@x.com", "b@x.com"} {
		_, err := store.Save(ctx, id, []byte("blob"), 0)
		require.NoError(t, err)
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Nil(t, s.State)
	}

	require.NoError(t, store.Delete(ctx, "a@x.com"))
	assert.ErrorIs(t, store.Delete(ctx, "a@x.com"), models.ErrNotFound)

	sessions, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b@x.com", sessions[0].ID)
}
