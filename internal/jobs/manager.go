package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yourusername/doc-forge/internal/metrics"
)

// ManagerOptions は Manager の設定です。
type ManagerOptions struct {
	// SyncThresholdBytes 以下の入力はリクエスト内で処理します。0 なら常に非同期。
	SyncThresholdBytes int64
}

// Manager はタスクの投入を担います。
// レジストリへの登録が先で、キューへの投入はその後です。投入に失敗しても
// タスクは pending のまま残り、回収処理が配送し直します。
type Manager struct {
	registry  *Registry
	publisher Publisher
	worker    *Worker
	opts      ManagerOptions
	logger    *slog.Logger
}

// NewManager は Manager を作成します。worker が nil の場合は同期実行を行いません。
func NewManager(registry *Registry, publisher Publisher, worker *Worker, opts ManagerOptions, logger *slog.Logger) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher is nil")
	}
	return &Manager{
		registry:  registry,
		publisher: publisher,
		worker:    worker,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Submit はタスクを登録して実行を依頼します。
// 入力が小さい場合はその場で実行し、終端状態のタスクを返します。
func (m *Manager) Submit(ctx context.Context, req CreateRequest) (*Task, error) {
	task, inputBytes, err := m.registry.create(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.TasksSubmitted.WithLabelValues(string(task.Kind)).Inc()
	logger := m.logger.With(slog.String("task_id", task.ID), slog.String("kind", string(task.Kind)))

	if m.shouldRunInline(inputBytes) {
		decision := m.worker.Handle(ctx, MessageFor(task))
		current, err := m.registry.Get(ctx, task.ID)
		if err == nil {
			if current.State.Terminal() {
				logger.Info("task processed inline", slog.String("state", string(current.State)))
				return current, nil
			}
			task = current
		}
		logger.Info("inline processing deferred to workers", slog.String("decision", decision.String()))
	}

	if err := m.publisher.Publish(ctx, MessageFor(task)); err != nil {
		logger.Warn("failed to publish task; it stays pending for the reaper", slog.Any("error", err))
		return task, nil
	}
	logger.Info("task submitted", slog.Int64("input_bytes", inputBytes))
	return task, nil
}

func (m *Manager) shouldRunInline(inputBytes int64) bool {
	return m.worker != nil && m.opts.SyncThresholdBytes > 0 && inputBytes <= m.opts.SyncThresholdBytes
}
