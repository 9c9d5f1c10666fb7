package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/models"
)

func TestSessionStorage_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStorage(newTestDB(t), arbor.NewLogger())

	_, err := store.Load(ctx, "alice")
	assert.ErrorIs(t, err, models.ErrNotFound)

	v1, err := store.Save(ctx, "alice", []byte(`{"cookies":[]}`), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := store.Save(ctx, "alice", []byte(`{"cookies":[{"name":"sid"}]}`), v1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	session, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", session.ID)
	assert.Equal(t, uint64(2), session.Version)
	assert.JSONEq(t, `{"cookies":[{"name":"sid"}]}`, string(session.State))
	assert.False(t, session.LastUsedAt.IsZero())
	assert.False(t, session.CreatedAt.After(session.LastUsedAt))
}

func TestSessionStorage_StaleVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStorage(newTestDB(t), arbor.NewLogger())

	_, err := store.Save(ctx, "s1", []byte("a"), 0)
	require.NoError(t, err)
	_, err = store.Save(ctx, "s1", []byte("b"), 1)
	require.NoError(t, err)

	_, err = store.Save(ctx, "s1", []byte("stale"), 1)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	_, err = store.Save(ctx, "s1", []byte("recreate"), 0)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	_, err = store.Save(ctx, "unknown", []byte("x"), 3)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	session, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", string(session.State))
	assert.Equal(t, uint64(2), session.Version)
}

func TestSessionStorage_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStorage(newTestDB(t), arbor.NewLogger())
	_, err := store.Save(ctx, "shared", []byte("base"), 0)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Save(ctx, "shared", []byte(fmt.Sprintf("w%d", i)), 1)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrVersionConflict)
	}
	assert.Equal(t, 1, wins)

	session, err := store.Load(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), session.Version)
}

func TestSessionStorage_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStorage(newTestDB(t), arbor.NewLogger())

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Save(ctx, id, []byte("state-"+id), 0)
		require.NoError(t, err)
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.Nil(t, s.State)
		assert.Equal(t, uint64(1), s.Version)
	}

	require.NoError(t, store.Delete(ctx, "b"))
	assert.ErrorIs(t, store.Delete(ctx, "b"), models.ErrNotFound)

	sessions, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSessionStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db"), SyncWrites: true}

	db, err := NewBadgerDB(arbor.NewLogger(), cfg)
	require.NoError(t, err)
	_, err = NewSessionStorage(db, arbor.NewLogger()).Save(ctx, "persisted", []byte("blob"), 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewBadgerDB(arbor.NewLogger(), cfg)
	require.NoError(t, err)
	defer db.Close()

	session, err := NewSessionStorage(db, arbor.NewLogger()).Load(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(session.State))
	assert.Equal(t, uint64(1), session.Version)
}

func TestSessionStorage_StaleSaveNeverOverwritesProperty(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStorage(newTestDB(t), arbor.NewLogger())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("save with a version other than the stored one is rejected", prop.ForAll(
		func(saves int, skew int) bool {
			seq++
			id := fmt.Sprintf("prop-%d", seq)

			var version uint64
			for i := 0; i < saves; i++ {
				v, err := store.Save(ctx, id, []byte(fmt.Sprintf("v%d", i)), version)
				if err != nil {
					return false
				}
				version = v
			}

			stale := version + uint64(skew)
			if skew < 0 {
				stale = version - uint64(-skew)
			}
			_, err := store.Save(ctx, id, []byte("intruder"), stale)
			if err == nil {
				return false
			}

			session, loadErr := store.Load(ctx, id)
			if loadErr != nil {
				return false
			}
			return session.Version == version && string(session.State) == fmt.Sprintf("v%d", saves-1)
		},
		gen.IntRange(1, 5),
		gen.OneGenOf(gen.IntRange(1, 3), gen.IntRange(-1, -1)),
	))

	properties.TestingRun(t)
}
