package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourusername/doc-forge/internal/metrics"
)

// ReaperOptions は回収処理の設定です。
type ReaperOptions struct {
	Interval   time.Duration // 実行間隔
	StaleAfter time.Duration // この時間更新のないタスクを回収対象にする
	Retention  time.Duration // 終端タスクの保持期間
	BatchSize  int           // 1回に扱う最大件数
}

// Reaper は止まったワーカーのタスクを回収し、配送漏れを補い、古いタスクを削除します。
type Reaper struct {
	registry  *Registry
	publisher Publisher
	opts      ReaperOptions
	logger    *slog.Logger
	now       func() time.Time
}

// SweepResult は1回の回収処理の結果です。
type SweepResult struct {
	Reclaimed   int
	Failed      int
	Republished int
	Purged      int
}

// NewReaper は Reaper を作成します。
func NewReaper(registry *Registry, publisher Publisher, opts ReaperOptions, logger *slog.Logger) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Reaper{
		registry:  registry,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(slog.String("component", "reaper")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run は ctx が終わるまで定期的に Sweep を実行します。
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		slog.Duration("interval", r.opts.Interval),
		slog.Duration("stale_after", r.opts.StaleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			res := r.Sweep(ctx)
			if res != (SweepResult{}) {
				r.logger.Info("reaper sweep finished",
					slog.Int("reclaimed", res.Reclaimed),
					slog.Int("failed", res.Failed),
					slog.Int("republished", res.Republished),
					slog.Int("purged", res.Purged),
				)
			}
		}
	}
}

// Sweep は回収処理を1回実行します。
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := r.now()
	staleBefore := now.Add(-r.opts.StaleAfter)

	r.reclaimStale(ctx, staleBefore, &res)
	r.republishPending(ctx, staleBefore, &res)

	if r.opts.Retention > 0 {
		n, err := r.registry.Purge(ctx, now.Add(-r.opts.Retention))
		if err != nil {
			r.logger.Error("failed to purge expired tasks", slog.Any("error", err))
		}
		res.Purged = n
		metrics.ReaperActions.WithLabelValues("purge").Add(float64(n))
	}
	return res
}

// reclaimStale は更新の止まった processing タスクを pending に戻して配送し直します。
func (r *Reaper) reclaimStale(ctx context.Context, staleBefore time.Time, res *SweepResult) {
	stale, err := r.registry.ListStale(ctx, StateProcessing, staleBefore, r.opts.BatchSize)
	if err != nil {
		r.logger.Error("failed to list stale tasks", slog.Any("error", err))
		return
	}
	for _, t := range stale {
		task, err := r.registry.Reclaim(ctx, t.ID, staleBefore)
		if err != nil {
			// 一覧取得後にワーカーが進捗を書いた、または終了した
			if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
				r.logger.Error("failed to reclaim task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		if task.State == StateFailed {
			res.Failed++
			metrics.ReaperActions.WithLabelValues("fail").Inc()
			metrics.TasksFinished.WithLabelValues(string(task.Kind), string(StateFailed)).Inc()
			r.logger.Warn("stale task exceeded attempts", slog.String("task_id", task.ID), slog.Int("attempt", task.Attempt))
			continue
		}

		res.Reclaimed++
		metrics.ReaperActions.WithLabelValues("reclaim").Inc()
		r.logger.Info("reclaimed stale task", slog.String("task_id", task.ID), slog.Int("attempt", task.Attempt))
		if err := r.publisher.Publish(ctx, MessageFor(task)); err != nil {
			// pending のまま残るので次回の republishPending で拾われる
			r.logger.Error("failed to publish reclaimed task", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}
}

// republishPending は配送されないまま残った pending タスクを配送し直します。
// 同じ試行番号のメッセージがキューにあれば Publish 側で重複しません。
func (r *Reaper) republishPending(ctx context.Context, staleBefore time.Time, res *SweepResult) {
	pending, err := r.registry.ListStale(ctx, StatePending, staleBefore, r.opts.BatchSize)
	if err != nil {
		r.logger.Error("failed to list pending tasks", slog.Any("error", err))
		return
	}
	for _, task := range pending {
		if err := r.publisher.Publish(ctx, MessageFor(task)); err != nil {
			r.logger.Error("failed to republish task", slog.String("task_id", task.ID), slog.Any("error", err))
			continue
		}
		res.Republished++
		metrics.ReaperActions.WithLabelValues("republish").Inc()
	}
}
