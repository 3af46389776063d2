package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNotFoundAndForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	status := NewStatusService(env.registry, 16, time.Minute)
	task := taskIn(t, env, StatePending)

	_, err := status.GetStatus(ctx, "missing", testOwner)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = status.GetStatus(ctx, task.ID, "mallory")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = status.GetResult(ctx, task.ID, "mallory")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStatusResultNotReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	status := NewStatusService(env.registry, 16, time.Minute)

	for _, state := range []State{StatePending, StateProcessing} {
		task := taskIn(t, env, state)
		got, err := status.GetStatus(ctx, task.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, state, got.State)

		_, err = status.GetResult(ctx, task.ID, testOwner)
		require.ErrorIs(t, err, ErrNotReady)
	}
}

func TestStatusResultOfFailedTask(t *testing.T) {
	env := newTestEnv(t)
	status := NewStatusService(env.registry, 16, time.Minute)
	task := taskIn(t, env, StateFailed)

	_, err := status.GetResult(context.Background(), task.ID, testOwner)
	var failed *FailedTaskError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, task.ID, failed.TaskID)
	assert.Equal(t, "X", failed.Info.Code)
	assert.Equal(t, "boom", failed.Info.Message)
}

func TestStatusResultOfCompletedTask(t *testing.T) {
	env := newTestEnv(t)
	status := NewStatusService(env.registry, 16, time.Minute)
	task := taskIn(t, env, StateCompleted)

	ref, err := status.GetResult(context.Background(), task.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, &ResultRef{DocumentID: "d", StorageID: "s"}, ref)
}

func TestStatusCachesOnlyTerminalTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	status := NewStatusService(env.registry, 16, time.Minute)

	pending := taskIn(t, env, StatePending)
	_, err := status.GetStatus(ctx, pending.ID, testOwner)
	require.NoError(t, err)
	assert.False(t, status.cache.Contains(pending.ID))

	done := taskIn(t, env, StateCompleted)
	_, err = status.GetStatus(ctx, done.ID, testOwner)
	require.NoError(t, err)
	assert.True(t, status.cache.Contains(done.ID))

	// 終端タスクはレジストリから消えてもキャッシュから返る
	require.NoError(t, env.store.Delete(ctx, done.ID))
	got, err := status.GetStatus(ctx, done.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestStatusReturnsCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	status := NewStatusService(env.registry, 16, time.Minute)
	done := taskIn(t, env, StateCompleted)

	first, err := status.GetStatus(ctx, done.ID, testOwner)
	require.NoError(t, err)
	first.Result.DocumentID = "tampered"

	second, err := status.GetStatus(ctx, done.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "d", second.Result.DocumentID)
}

func TestStatusWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	status := NewStatusService(env.registry, 0, time.Minute)
	task := taskIn(t, env, StateCompleted)

	got, err := status.GetStatus(context.Background(), task.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Nil(t, status.cache)
}

func TestStatusListScopesToCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	status := NewStatusService(env.registry, 16, time.Minute)
	taskIn(t, env, StatePending)
	taskIn(t, env, StateCompleted)

	mine, err := status.List(ctx, testOwner, Filter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := status.List(ctx, "mallory", Filter{Owner: testOwner})
	require.NoError(t, err)
	assert.Empty(t, theirs)
}
