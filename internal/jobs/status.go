package jobs

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yourusername/doc-forge/internal/metrics"
)

// StatusService は利用者向けのタスク状態参照です。
// 終端状態のタスクは変化しないため、保持期間を上限にキャッシュします。
type StatusService struct {
	registry *Registry
	cache    *expirable.LRU[string, *Task]
}

// NewStatusService は StatusService を作成します。cacheSize が 0 以下ならキャッシュしません。
func NewStatusService(registry *Registry, cacheSize int, ttl time.Duration) *StatusService {
	s := &StatusService{registry: registry}
	if cacheSize > 0 {
		s.cache = expirable.NewLRU[string, *Task](cacheSize, nil, ttl)
	}
	return s
}

// GetStatus は caller が所有するタスクの状態を返します。
func (s *StatusService) GetStatus(ctx context.Context, id, caller string) (*Task, error) {
	task, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Owner != caller {
		return nil, ErrForbidden
	}
	return task.Clone(), nil
}

// GetResult は完了したタスクの結果参照を返します。
// 未完了なら ErrNotReady、失敗していれば *FailedTaskError です。
func (s *StatusService) GetResult(ctx context.Context, id, caller string) (*ResultRef, error) {
	task, err := s.GetStatus(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	switch task.State {
	case StateCompleted:
		if task.Result == nil {
			return nil, ErrNotReady
		}
		return task.Result, nil
	case StateFailed:
		info := ErrorInfo{Code: CodeInternalError}
		if task.Error != nil {
			info = *task.Error
		}
		return nil, &FailedTaskError{TaskID: task.ID, Info: info}
	default:
		return nil, ErrNotReady
	}
}

// List は caller のタスクを返します。
func (s *StatusService) List(ctx context.Context, caller string, filter Filter) ([]*Task, error) {
	return s.registry.ListByOwner(ctx, caller, filter)
}

func (s *StatusService) lookup(ctx context.Context, id string) (*Task, error) {
	if s.cache != nil {
		if task, ok := s.cache.Get(id); ok {
			metrics.StatusCacheHits.Inc()
			return task, nil
		}
		metrics.StatusCacheMisses.Inc()
	}
	task, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && task.State.Terminal() {
		s.cache.Add(id, task)
	}
	return task, nil
}
