package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/metrics"
)

// CodeInputNotFound は実行時に入力ドキュメントが消えていた場合のエラーコードです。
const CodeInputNotFound = "INPUT_NOT_FOUND"

// 状態の書き込みに使う時間。親の ctx が切れていても結果だけは記録する。
const finalizeTimeout = 30 * time.Second

// DocumentService はワーカーが使うドキュメント操作です。documents.Service が満たします。
type DocumentService interface {
	Get(ctx context.Context, id string) (*documents.Document, error)
	Open(ctx context.Context, doc *documents.Document) (io.ReadCloser, error)
	SaveOutput(ctx context.Context, in documents.OutputInput) (*documents.Document, error)
	Discard(ctx context.Context, doc *documents.Document) error
}

// WorkerOptions はワーカーの設定です。
type WorkerOptions struct {
	WorkDir          string
	ConvertTimeout   time.Duration // 0 なら上限なし（キューのタイムアウトのみ）
	ProgressInterval time.Duration // 進捗を書き込む最小間隔
}

// Worker はメッセージ1件分の claim・実行・確定を行います。
type Worker struct {
	registry  *Registry
	docs      DocumentService
	converter convert.Converter
	opts      WorkerOptions
	logger    *slog.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(registry *Registry, docs DocumentService, converter convert.Converter, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Worker{
		registry:  registry,
		docs:      docs,
		converter: converter,
		opts:      opts,
		logger:    logger,
	}
}

// Handle はメッセージを処理します。
//
//   - claim できなければ（処理済み・他ワーカーが処理中）破棄
//   - 入力や変換内容に起因する失敗は failed にして破棄
//   - 一時的な障害は claim を手放して再配信
func (w *Worker) Handle(ctx context.Context, msg Message) Decision {
	logger := w.logger.With(slog.String("task_id", msg.TaskID), slog.String("kind", string(msg.Kind)))

	task, err := w.registry.Transition(ctx, msg.TaskID, StatePending, StateProcessing, Update{Stage: "claimed"})
	switch {
	case errors.Is(err, ErrConflict):
		metrics.ClaimConflicts.Inc()
		logger.Info("discarding message for task that is not pending")
		return Ack
	case errors.Is(err, ErrNotFound):
		logger.Warn("discarding message for unknown task")
		return Ack
	case err != nil:
		logger.Error("failed to claim task", slog.Any("error", err))
		metrics.Requeues.WithLabelValues(string(msg.Kind)).Inc()
		return Requeue
	}

	logger = logger.With(slog.Int("attempt", task.Attempt))
	logger.Info("task claimed")
	return w.run(ctx, task, logger)
}

func (w *Worker) run(ctx context.Context, task *Task, logger *slog.Logger) Decision {
	started := time.Now()

	ws, err := convert.NewWorkspace(w.opts.WorkDir, task.ID, task.Attempt)
	if err != nil {
		return w.release(ctx, task, err, logger)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn("failed to remove workspace", slog.Any("error", err))
		}
	}()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if w.opts.ConvertTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.opts.ConvertTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	inputs, err := w.materialize(runCtx, task, ws)
	if err != nil {
		var missing *missingInputError
		if errors.As(err, &missing) {
			return w.fail(ctx, task, ErrorInfo{Code: CodeInputNotFound, Message: missing.Error()}, started, logger)
		}
		return w.release(ctx, task, err, logger)
	}

	progress := newProgressCoalescer(runCtx, w.registry, task, w.opts.ProgressInterval, cancel, logger)
	out, err := w.converter.Execute(runCtx, convert.Request{
		Operation: convert.Operation(task.Kind),
		Inputs:    inputs,
		Params:    convert.Params(task.Params),
		OutDir:    ws.OutDir,
	}, progress.Report)
	if progress.Lost() {
		logger.Warn("claim lost during execution; discarding work")
		return Ack
	}
	if err != nil {
		if convErr, ok := convert.AsError(err); ok {
			return w.fail(ctx, task, ErrorInfo{Code: convErr.Code, Message: convErr.Message}, started, logger)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			timeout := convert.TimeoutError(err)
			return w.fail(ctx, task, ErrorInfo{Code: timeout.Code, Message: timeout.Message}, started, logger)
		}
		return w.release(ctx, task, err, logger)
	}
	if out == nil {
		return w.release(ctx, task, errors.New("converter returned no output"), logger)
	}

	return w.finalize(ctx, task, out, started, logger)
}

type missingInputError struct {
	id  string
	err error
}

func (e *missingInputError) Error() string {
	return fmt.Sprintf("入力ドキュメントが見つかりません: %s", e.id)
}

func (e *missingInputError) Unwrap() error {
	return e.err
}

// materialize は入力ドキュメントを作業ディレクトリに書き出します。
func (w *Worker) materialize(ctx context.Context, task *Task, ws *convert.Workspace) ([]convert.Input, error) {
	inputs := make([]convert.Input, 0, len(task.Inputs))
	for i, id := range task.Inputs {
		doc, err := w.docs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return nil, &missingInputError{id: id, err: err}
			}
			return nil, fmt.Errorf("failed to resolve input %s: %w", id, err)
		}
		path := ws.InputPath(i, doc.OriginalFilename)
		if err := w.download(ctx, doc, path); err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return nil, &missingInputError{id: id, err: err}
			}
			return nil, err
		}
		inputs = append(inputs, convert.Input{
			Path:        path,
			Filename:    doc.OriginalFilename,
			ContentType: doc.FileType,
			Size:        doc.Size,
		})
	}
	return inputs, nil
}

func (w *Worker) download(ctx context.Context, doc *documents.Document, path string) error {
	rc, err := w.docs.Open(ctx, doc)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to download input %s: %w", doc.ID, err)
	}
	return f.Close()
}

// finalize は成果物を保存してから completed に遷移します。
// 遷移に失敗した場合は保存した成果物を取り消します。
func (w *Worker) finalize(ctx context.Context, task *Task, out *convert.Output, started time.Time, logger *slog.Logger) Decision {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	doc, err := w.docs.SaveOutput(fctx, documents.OutputInput{
		Owner:        task.Owner,
		Filename:     out.Filename,
		Path:         out.Path,
		ContentType:  out.ContentType,
		Category:     out.Category,
		Encrypted:    out.Encrypted,
		SourceTaskID: task.ID,
	})
	if err != nil {
		return w.release(ctx, task, fmt.Errorf("failed to store output: %w", err), logger)
	}

	_, err = w.registry.Transition(fctx, task.ID, StateProcessing, StateCompleted, Update{
		Attempt: task.Attempt,
		Result:  &ResultRef{DocumentID: doc.ID, StorageID: doc.StorageID},
		Meta:    out.Meta,
	})
	if err != nil {
		if discardErr := w.docs.Discard(fctx, doc); discardErr != nil {
			logger.Warn("failed to discard output", slog.String("document_id", doc.ID), slog.Any("error", discardErr))
		}
		if errors.Is(err, ErrConflict) {
			logger.Warn("claim lost before completion; discarded output")
			return Ack
		}
		return w.release(ctx, task, fmt.Errorf("failed to complete task: %w", err), logger)
	}

	metrics.TasksFinished.WithLabelValues(string(task.Kind), string(StateCompleted)).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(started).Seconds())
	logger.Info("task completed",
		slog.String("document_id", doc.ID),
		slog.Duration("elapsed", time.Since(started)),
	)
	return Ack
}

func (w *Worker) fail(ctx context.Context, task *Task, info ErrorInfo, started time.Time, logger *slog.Logger) Decision {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	_, err := w.registry.Transition(fctx, task.ID, StateProcessing, StateFailed, Update{
		Attempt: task.Attempt,
		Error:   &info,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			logger.Warn("claim lost before failure could be recorded")
			return Ack
		}
		logger.Error("failed to record task failure", slog.Any("error", err))
		metrics.Requeues.WithLabelValues(string(task.Kind)).Inc()
		return Requeue
	}

	metrics.TasksFinished.WithLabelValues(string(task.Kind), string(StateFailed)).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(started).Seconds())
	logger.Info("task failed", slog.String("code", info.Code), slog.String("reason", info.Message))
	return Ack
}

// release は claim を手放して pending に戻し、再配信させます。
func (w *Worker) release(ctx context.Context, task *Task, cause error, logger *slog.Logger) Decision {
	logger.Warn("transient failure; releasing task", slog.Any("error", cause))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if _, err := w.registry.Release(fctx, task.ID, task.Attempt); err != nil {
		if errors.Is(err, ErrConflict) {
			return Ack
		}
		// 戻せなかった場合は回収処理が stale として拾う
		logger.Error("failed to release task", slog.Any("error", err))
	}
	metrics.Requeues.WithLabelValues(string(task.Kind)).Inc()
	return Requeue
}

// progressCoalescer は変換処理からの進捗を間引いてレジストリに書き込みます。
// 書き込みが ErrConflict になった場合は claim を失ったとみなし、処理を中断させます。
type progressCoalescer struct {
	ctx      context.Context
	registry *Registry
	taskID   string
	attempt  int
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu   sync.Mutex
	last float64
	lost atomic.Bool
}

func newProgressCoalescer(ctx context.Context, registry *Registry, task *Task, interval time.Duration, cancel context.CancelFunc, logger *slog.Logger) *progressCoalescer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &progressCoalescer{
		ctx:      ctx,
		registry: registry,
		taskID:   task.ID,
		attempt:  task.Attempt,
		limiter:  rate.NewLimiter(limit, 1),
		cancel:   cancel,
		logger:   logger,
	}
}

// Report は convert.ProgressReporter として渡されます。
func (p *progressCoalescer) Report(stage string, fraction float64) {
	if p.lost.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// 完了時の 1.0 は completed への遷移で書かれる
	if fraction <= p.last || fraction >= 1 {
		return
	}
	if !p.limiter.Allow() {
		return
	}

	_, err := p.registry.Transition(p.ctx, p.taskID, StateProcessing, StateProcessing, Update{
		Attempt:  p.attempt,
		Progress: fraction,
		Stage:    stage,
	})
	switch {
	case err == nil:
		p.last = fraction
	case errors.Is(err, ErrConflict):
		p.lost.Store(true)
		p.cancel()
	default:
		p.logger.Warn("failed to record progress", slog.Any("error", err))
	}
}

// Lost は claim を失ったかどうかを返します。
func (p *progressCoalescer) Lost() bool {
	return p.lost.Load()
}
