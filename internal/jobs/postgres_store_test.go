package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/database/databasetest"
	"github.com/yourusername/doc-forge/internal/logging"
)

func newPostgresTask(owner string, state State, updated time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      KindWatermark,
		State:     state,
		Stage:     "queued",
		Owner:     owner,
		Inputs:    []string{uuid.NewString()},
		Params:    map[string]any{"text": "DRAFT", "opacity": 0.3},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestPostgresStore(t *testing.T) {
	pool := databasetest.NewPool(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		task := newPostgresTask(testOwner, StatePending, time.Now().UTC().Truncate(time.Microsecond))
		require.NoError(t, store.Insert(ctx, task))
		require.ErrorIs(t, store.Insert(ctx, task), ErrConflict)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, task.Inputs, got.Inputs)
		assert.Equal(t, "DRAFT", got.Params["text"])
		assert.InDelta(t, 0.3, got.Params["opacity"], 1e-9)
		assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := store.Get(ctx, "not-a-uuid")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.Update(ctx, uuid.NewString(), func(*Task) error { return nil })
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, store.Delete(ctx, uuid.NewString()), ErrNotFound)
	})

	t.Run("update persists result and error", func(t *testing.T) {
		task := newPostgresTask(testOwner, StateProcessing, time.Now().UTC())
		require.NoError(t, store.Insert(ctx, task))

		_, err := store.Update(ctx, task.ID, func(t *Task) error {
			t.State = StateCompleted
			t.Progress = 1
			t.Result = &ResultRef{DocumentID: "doc", StorageID: "blob"}
			t.Meta = map[string]any{"pages": 3}
			return nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.State)
		assert.Equal(t, &ResultRef{DocumentID: "doc", StorageID: "blob"}, got.Result)
		assert.EqualValues(t, 3, got.Meta["pages"])

		failed := newPostgresTask(testOwner, StateProcessing, time.Now().UTC())
		require.NoError(t, store.Insert(ctx, failed))
		_, err = store.Update(ctx, failed.ID, func(t *Task) error {
			t.State = StateFailed
			t.Error = &ErrorInfo{Code: "WRONG_PASSWORD", Message: "パスワードが違います。"}
			return nil
		})
		require.NoError(t, err)
		got, err = store.Get(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, &ErrorInfo{Code: "WRONG_PASSWORD", Message: "パスワードが違います。"}, got.Error)
	})

	t.Run("mutate error rolls back", func(t *testing.T) {
		task := newPostgresTask(testOwner, StatePending, time.Now().UTC())
		require.NoError(t, store.Insert(ctx, task))

		_, err := store.Update(ctx, task.ID, func(t *Task) error {
			t.State = StateProcessing
			return ErrConflict
		})
		require.ErrorIs(t, err, ErrConflict)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatePending, got.State)
	})

	t.Run("concurrent claims", func(t *testing.T) {
		registry := NewRegistry(store, nil, RegistryOptions{}, logging.Discard())
		task := newPostgresTask(testOwner, StatePending, time.Now().UTC())
		require.NoError(t, store.Insert(ctx, task))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := registry.Transition(ctx, task.ID, StatePending, StateProcessing, Update{})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrConflict)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("list and purge", func(t *testing.T) {
		owner := "lister-" + uuid.NewString()
		base := time.Now().UTC().Add(-2 * time.Hour)
		old := newPostgresTask(owner, StateCompleted, base)
		stale := newPostgresTask(owner, StatePending, base.Add(time.Minute))
		fresh := newPostgresTask(owner, StatePending, time.Now().UTC())
		for _, task := range []*Task{old, stale, fresh} {
			require.NoError(t, store.Insert(ctx, task))
		}

		mine, err := store.List(ctx, Filter{Owner: owner})
		require.NoError(t, err)
		require.Len(t, mine, 3)
		assert.Equal(t, fresh.ID, mine[0].ID)

		pending, err := store.List(ctx, Filter{Owner: owner, State: StatePending, UpdatedBefore: time.Now().UTC().Add(-time.Hour)})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, stale.ID, pending[0].ID)

		limited, err := store.List(ctx, Filter{Owner: owner, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		_, err = store.Get(ctx, old.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, stale.ID)
		require.NoError(t, err)
	})
}
