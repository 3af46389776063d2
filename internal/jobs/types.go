// Package jobs は文書処理タスクの登録・配送・実行・状態参照を提供します。
package jobs

import (
	"time"
)

// Kind はタスクの処理種別です。
type Kind string

const (
	KindConvert    Kind = "convert"
	KindEncrypt    Kind = "encrypt"
	KindDecrypt    Kind = "decrypt"
	KindWatermark  Kind = "watermark"
	KindSign       Kind = "sign"
	KindCompress   Kind = "compress"
	KindDecompress Kind = "decompress"
	KindCrack      Kind = "crack"
)

// Kinds は全ての処理種別を返します。
func Kinds() []Kind {
	return []Kind{
		KindConvert, KindEncrypt, KindDecrypt, KindWatermark,
		KindSign, KindCompress, KindDecompress, KindCrack,
	}
}

// Valid は既知の種別かどうかを返します。
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// State はタスクの実行状態です。
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Valid は既知の状態かどうかを返します。
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal は completed/failed のどちらかであれば true です。終端状態のタスクは変更されません。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorInfo はタスク失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultRef は結果ドキュメントへの参照です。
type ResultRef struct {
	DocumentID string `json:"documentId"`
	StorageID  string `json:"storageId"`
}

// Task はタスクの現在状態を表します。
type Task struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	State       State          `json:"state"`
	Progress    float64        `json:"progress"`
	Stage       string         `json:"stage,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	Result      *ResultRef     `json:"result,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Owner       string         `json:"owner"`
	Inputs      []string       `json:"inputs"`
	Params      map[string]any `json:"params,omitempty"`
	Attempt     int            `json:"attempt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Clone は呼び出し側が自由に変更できるコピーを返します。
// Params と Meta の中身は共有しますが、これらは生成後に書き換えません。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Inputs = append([]string(nil), t.Inputs...)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// Message はキューに流すタスクへのポインタです。状態の正はレジストリにあります。
type Message struct {
	TaskID  string         `json:"taskId"`
	Kind    Kind           `json:"kind"`
	Inputs  []string       `json:"inputs"`
	Params  map[string]any `json:"params,omitempty"`
	Attempt int            `json:"attempt"`
}

// MessageFor は task を配送するためのメッセージを作ります。
func MessageFor(t *Task) Message {
	return Message{
		TaskID:  t.ID,
		Kind:    t.Kind,
		Inputs:  append([]string(nil), t.Inputs...),
		Params:  t.Params,
		Attempt: t.Attempt,
	}
}

// Filter はタスク一覧の絞り込み条件です。
type Filter struct {
	Owner         string
	State         State
	Kind          Kind
	UpdatedBefore time.Time // ゼロ値なら無制限
	Limit         int
}

func (f Filter) matches(t *Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
