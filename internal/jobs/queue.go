package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/doc-forge/internal/logging"
	"github.com/yourusername/doc-forge/internal/metrics"
)

// Decision はメッセージ処理の結果をキューにどう返すかを表します。
type Decision int

const (
	// Ack はメッセージを削除します。
	Ack Decision = iota
	// Requeue はバックオフ後に再配信させます。
	Requeue
	// Reject は再試行せずにデッドレターへ送ります。
	Reject
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Handler はメッセージを1件処理します。
type Handler interface {
	Handle(ctx context.Context, msg Message) Decision
}

// Publisher はメッセージをキューに投入します。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DeadLetterFunc は再試行を使い切った、または拒否されたメッセージに対して呼ばれます。
type DeadLetterFunc func(ctx context.Context, msg Message, cause error)

// BridgeOptions はキューの設定です。
type BridgeOptions struct {
	Concurrency     int
	MaxRetry        int
	Timeout         time.Duration // 1回の配信で処理に使える時間
	Retention       time.Duration // 完了したメッセージを保持する時間
	ShutdownTimeout time.Duration
}

// Bridge はタスクのメッセージを asynq で配送します。
// 処理種別ごとにキューを分け、重み付きで取り出すことで1種別の滞留が他を止めないようにします。
type Bridge struct {
	redisOpt   asynq.RedisConnOpt
	client     *asynq.Client
	server     *asynq.Server
	opts       BridgeOptions
	logger     *slog.Logger
	deadLetter DeadLetterFunc
}

// NewBridge は Bridge を作成します。ワーカーは Start を呼ぶまで起動しません。
func NewBridge(redisOpt asynq.RedisConnOpt, opts BridgeOptions, logger *slog.Logger) *Bridge {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Bridge{
		redisOpt: redisOpt,
		client:   asynq.NewClient(redisOpt),
		opts:     opts,
		logger:   logger,
	}
}

// OnDeadLetter はデッドレター時の処理を登録します。Start より前に呼びます。
func (b *Bridge) OnDeadLetter(fn DeadLetterFunc) {
	b.deadLetter = fn
}

// QueueName は処理種別に対応するキュー名です。
func QueueName(kind Kind) string {
	return "docs:" + string(kind)
}

// TaskType は処理種別に対応する asynq のタスク種別名です。
func TaskType(kind Kind) string {
	return "task:" + string(kind)
}

// Publish はメッセージを投入します。
// 同じタスク・同じ試行番号のメッセージがまだキューにある場合は何もしません。
func (b *Bridge) Publish(ctx context.Context, msg Message) error {
	if msg.TaskID == "" {
		return errors.New("message has no task id")
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("message has unknown kind %q", msg.Kind)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueName(msg.Kind)),
		asynq.MaxRetry(b.opts.MaxRetry),
		asynq.TaskID(fmt.Sprintf("%s-%d", msg.TaskID, msg.Attempt)),
	}
	if b.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(b.opts.Timeout))
	}
	if b.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(b.opts.Retention))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(TaskType(msg.Kind), body), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			b.logger.Debug("message already queued", slog.String("task_id", msg.TaskID), slog.Int("attempt", msg.Attempt))
			return nil
		}
		return fmt.Errorf("failed to enqueue task %s: %w", msg.TaskID, err)
	}
	b.logger.Debug("message published",
		slog.String("task_id", msg.TaskID),
		slog.String("queue", info.Queue),
		slog.String("message_id", info.ID),
	)
	return nil
}

// Start はワーカーをバックグラウンドで起動します。
func (b *Bridge) Start(h Handler) error {
	if b.server != nil {
		return errors.New("bridge already started")
	}
	b.server = asynq.NewServer(b.redisOpt, asynq.Config{
		Concurrency:     b.opts.Concurrency,
		Queues:          queueWeights(),
		RetryDelayFunc:  retryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(b.handleError),
		Logger:          logging.NewAsynqLogger(b.logger),
		ShutdownTimeout: b.opts.ShutdownTimeout,
	})

	mux := asynq.NewServeMux()
	for _, kind := range Kinds() {
		mux.HandleFunc(TaskType(kind), b.process(h))
	}
	if err := b.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	b.logger.Info("workers started", slog.Int("concurrency", b.opts.Concurrency))
	return nil
}

// Shutdown は処理中のメッセージを待ってワーカーを止めます。
func (b *Bridge) Shutdown() {
	if b.server != nil {
		b.server.Shutdown()
	}
}

// Close はクライアントを閉じます。
func (b *Bridge) Close() error {
	return b.client.Close()
}

// process は Decision を asynq の戻り値に変換します。
func (b *Bridge) process(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil || msg.TaskID == "" {
			b.logger.Error("rejecting malformed message", slog.String("type", t.Type()))
			return fmt.Errorf("malformed message: %w", asynq.SkipRetry)
		}
		return decisionError(msg, h.Handle(ctx, msg))
	}
}

func decisionError(msg Message, d Decision) error {
	switch d {
	case Ack:
		return nil
	case Reject:
		return fmt.Errorf("task %s rejected: %w", msg.TaskID, asynq.SkipRetry)
	default:
		return fmt.Errorf("task %s requeued", msg.TaskID)
	}
}

func (b *Bridge) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if !isDeadLetter(retried, maxRetry, err) {
		return
	}

	var msg Message
	if jsonErr := json.Unmarshal(t.Payload(), &msg); jsonErr != nil || msg.TaskID == "" {
		return
	}
	metrics.DeadLetters.WithLabelValues(string(msg.Kind)).Inc()
	b.logger.Warn("message moved to dead letter",
		slog.String("task_id", msg.TaskID),
		slog.Int("retried", retried),
		slog.Any("error", err),
	)
	if b.deadLetter != nil {
		b.deadLetter(context.WithoutCancel(ctx), msg, err)
	}
}

func isDeadLetter(retried, maxRetry int, err error) bool {
	return retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
}

// queueWeights は処理種別ごとのキューの重みです。
// 時間のかかる crack は他の処理を圧迫しないよう重みを下げています。
func queueWeights() map[string]int {
	weights := make(map[string]int, len(Kinds()))
	for _, kind := range Kinds() {
		switch kind {
		case KindCrack:
			weights[QueueName(kind)] = 1
		case KindConvert, KindCompress:
			weights[QueueName(kind)] = 3
		default:
			weights[QueueName(kind)] = 2
		}
	}
	return weights
}

// retryDelay は 10s, 20s, 40s ... と倍増し、5分で頭打ちにします。
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 5 {
		n = 5
	}
	d := 10 * time.Second << n
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// FailOnDeadLetter はデッドレターになったメッセージのタスクを failed にする DeadLetterFunc を返します。
func FailOnDeadLetter(registry *Registry, logger *slog.Logger) DeadLetterFunc {
	return func(ctx context.Context, msg Message, cause error) {
		task, err := registry.ForceFail(ctx, msg.TaskID, ReasonExhaustedRetries)
		switch {
		case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
			return
		case err != nil:
			logger.Error("failed to fail dead-lettered task", slog.String("task_id", msg.TaskID), slog.Any("error", err))
			return
		}
		metrics.TasksFinished.WithLabelValues(string(task.Kind), string(StateFailed)).Inc()
		logger.Warn("task failed after exhausting retries",
			slog.String("task_id", task.ID),
			slog.Int("attempt", task.Attempt),
			slog.Any("cause", cause),
		)
	}
}
