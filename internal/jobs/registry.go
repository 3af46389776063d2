package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/doc-forge/internal/documents"
)

const (
	maxCompressInputs = 20
	// base64 にした 512KiB の画像と data URL の接頭辞が収まる長さ
	maxSignImageParamLen = 512*1024*4/3 + 64
)

// 強制的に失敗させたタスクに記録するエラーコード
const (
	CodeTaskAborted   = "TASK_ABORTED"
	CodeInternalError = "INTERNAL_ERROR"
)

// ReasonExhaustedRetries は再試行を使い切ったタスクの失敗理由です。
const ReasonExhaustedRetries = "exhausted retries"

// DocumentResolver は入力ドキュメントを解決します。documents.Service が満たします。
type DocumentResolver interface {
	Get(ctx context.Context, id string) (*documents.Document, error)
}

// RegistryOptions は Registry の設定です。
type RegistryOptions struct {
	// MaxAttempts を超えて claim されたタスクは Reclaim 時に失敗させます。0 なら無制限。
	MaxAttempts int
}

// Registry はタスクの状態遷移を管理します。
// 遷移はすべて Store.Update による条件付き更新で、前提が崩れていれば ErrConflict になります。
type Registry struct {
	store  Store
	docs   DocumentResolver
	opts   RegistryOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry は Registry を作成します。
func NewRegistry(store Store, docs DocumentResolver, opts RegistryOptions, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		docs:   docs,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest はタスク投入の内容です。
type CreateRequest struct {
	Kind   Kind
	Inputs []string
	Params map[string]any
	Owner  string
}

// Update は Transition で書き込む値です。Attempt は claim 済みタスクの試行番号と一致する必要があります。
type Update struct {
	Attempt  int
	Progress float64
	Stage    string
	Error    *ErrorInfo
	Result   *ResultRef
	Meta     map[string]any
}

// Create は入力を検証し、pending のタスクを登録します。
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	task, _, err := r.create(ctx, req)
	return task, err
}

// create は登録したタスクと入力ドキュメントの合計サイズを返します。
func (r *Registry) create(ctx context.Context, req CreateRequest) (*Task, int64, error) {
	docs, err := r.validate(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, doc := range docs {
		total += doc.Size
	}

	now := r.now()
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	task := &Task{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		State:     StatePending,
		Progress:  0,
		Stage:     "queued",
		Owner:     req.Owner,
		Inputs:    append([]string(nil), req.Inputs...),
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Insert(ctx, task); err != nil {
		return nil, 0, fmt.Errorf("failed to register task: %w", err)
	}
	return task, total, nil
}

func (r *Registry) validate(ctx context.Context, req CreateRequest) ([]*documents.Document, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return nil, invalid("owner", "所有者が指定されていません。")
	}
	if !req.Kind.Valid() {
		return nil, invalid("kind", fmt.Sprintf("未対応の処理です: %s", req.Kind))
	}

	switch {
	case req.Kind == KindCompress:
		if len(req.Inputs) < 1 || len(req.Inputs) > maxCompressInputs {
			return nil, invalid("inputs", fmt.Sprintf("1〜%d件のドキュメントを指定してください。", maxCompressInputs))
		}
	case len(req.Inputs) != 1:
		return nil, invalid("inputs", "ドキュメントを1件指定してください。")
	}

	if req.Kind == KindSign {
		image, _ := req.Params["image"].(string)
		if strings.TrimSpace(image) == "" {
			return nil, invalid("params.image", "署名画像を指定してください。")
		}
		if len(image) > maxSignImageParamLen {
			return nil, invalid("params.image", "署名画像は512KB以下にしてください。")
		}
	}

	docs := make([]*documents.Document, 0, len(req.Inputs))
	for _, id := range req.Inputs {
		doc, err := r.docs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return nil, invalid("inputs", fmt.Sprintf("ドキュメントが見つかりません: %s", id))
			}
			return nil, fmt.Errorf("failed to resolve document %s: %w", id, err)
		}
		// 他人のドキュメントは存在しないものとして扱う
		if doc.Owner != req.Owner {
			return nil, invalid("inputs", fmt.Sprintf("ドキュメントが見つかりません: %s", id))
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Get はタスクを返します。
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	return r.store.Get(ctx, id)
}

// ListByOwner は owner のタスクを新しい順に返します。
func (r *Registry) ListByOwner(ctx context.Context, owner string, filter Filter) ([]*Task, error) {
	filter.Owner = owner
	return r.store.List(ctx, filter)
}

type edge struct {
	from, to State
}

var allowedEdges = map[edge]bool{
	{StatePending, StateProcessing}:    true,
	{StateProcessing, StateProcessing}: true,
	{StateProcessing, StateCompleted}:  true,
	{StateProcessing, StateFailed}:     true,
}

// Transition は from から to への遷移を条件付きで行います。
// processing からの遷移は upd.Attempt が現在の試行番号と一致する場合だけ成功します。
func (r *Registry) Transition(ctx context.Context, id string, from, to State, upd Update) (*Task, error) {
	if !allowedEdges[edge{from, to}] {
		r.logger.Error("rejected task transition",
			slog.String("task_id", id),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StateCompleted && upd.Result == nil {
		return nil, fmt.Errorf("%w: completed task requires a result", ErrInvalidTransition)
	}

	return r.store.Update(ctx, id, func(t *Task) error {
		if t.State != from {
			return ErrConflict
		}
		if from == StateProcessing && t.Attempt != upd.Attempt {
			return ErrConflict
		}
		now := r.now()

		switch to {
		case StateProcessing:
			if from == StatePending {
				t.Attempt++
				t.Progress = 0
				t.Stage = stageOr(upd.Stage, "claimed")
				t.Error = nil
				t.StartedAt = &now
				break
			}
			progress := clampProgress(upd.Progress)
			if progress < t.Progress {
				return ErrConflict
			}
			t.Progress = progress
			if upd.Stage != "" {
				t.Stage = upd.Stage
			}
		case StateCompleted:
			t.Progress = 1
			t.Stage = "completed"
			t.Result = upd.Result
			t.Meta = upd.Meta
			t.Error = nil
			t.CompletedAt = &now
		case StateFailed:
			t.Stage = "failed"
			t.Error = upd.Error
			if t.Error == nil {
				t.Error = &ErrorInfo{Code: CodeInternalError, Message: "処理に失敗しました。"}
			}
			t.CompletedAt = &now
		}
		t.State = to
		t.UpdatedAt = now
		return nil
	})
}

// Reclaim は staleBefore より前から更新のない processing タスクを pending に戻します。
// 試行回数が上限に達している場合は failed にします。
func (r *Registry) Reclaim(ctx context.Context, id string, staleBefore time.Time) (*Task, error) {
	return r.store.Update(ctx, id, func(t *Task) error {
		if t.State != StateProcessing || !t.UpdatedAt.Before(staleBefore) {
			return ErrConflict
		}
		now := r.now()
		if r.opts.MaxAttempts > 0 && t.Attempt >= r.opts.MaxAttempts {
			t.State = StateFailed
			t.Stage = "failed"
			t.Error = &ErrorInfo{Code: CodeTaskAborted, Message: ReasonExhaustedRetries}
			t.CompletedAt = &now
		} else {
			t.State = StatePending
			t.Stage = "requeued"
			t.Progress = 0
		}
		t.UpdatedAt = now
		return nil
	})
}

// Release は claim を持つワーカーが一時的な障害で処理を諦めたときに、タスクを pending に戻します。
func (r *Registry) Release(ctx context.Context, id string, attempt int) (*Task, error) {
	return r.store.Update(ctx, id, func(t *Task) error {
		if t.State != StateProcessing || t.Attempt != attempt {
			return ErrConflict
		}
		t.State = StatePending
		t.Stage = "retrying"
		t.Progress = 0
		t.UpdatedAt = r.now()
		return nil
	})
}

// ForceFail は終端でないタスクを reason 付きで failed にします。
func (r *Registry) ForceFail(ctx context.Context, id string, reason string) (*Task, error) {
	return r.store.Update(ctx, id, func(t *Task) error {
		if t.State.Terminal() {
			return ErrConflict
		}
		now := r.now()
		t.State = StateFailed
		t.Stage = "failed"
		t.Error = &ErrorInfo{Code: CodeTaskAborted, Message: reason}
		t.CompletedAt = &now
		t.UpdatedAt = now
		return nil
	})
}

// ListStale は before より前から更新のない state のタスクを古い順に返します。
func (r *Registry) ListStale(ctx context.Context, state State, before time.Time, limit int) ([]*Task, error) {
	return r.store.List(ctx, Filter{State: state, UpdatedBefore: before, Limit: limit})
}

// Purge は before より前に終端状態になったタスクを削除します。
func (r *Registry) Purge(ctx context.Context, before time.Time) (int, error) {
	return r.store.DeleteTerminalBefore(ctx, before)
}

func clampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func stageOr(stage, def string) string {
	if stage == "" {
		return def
	}
	return stage
}
