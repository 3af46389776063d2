package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound はタスクが存在しない（または保持期間を過ぎた）ことを表します。
	ErrNotFound = errors.New("task not found")
	// ErrForbidden は呼び出し元がタスクの所有者でないことを表します。
	ErrForbidden = errors.New("task belongs to another owner")
	// ErrConflict は条件付き更新の前提（状態・試行番号・進捗）が満たされなかったことを表します。
	ErrConflict = errors.New("task state conflict")
	// ErrInvalidTransition は許可されていない状態遷移です。プログラムの誤りなので利用者には返しません。
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrNotReady は結果がまだ無いことを表します。
	ErrNotReady = errors.New("task result is not ready")
)

// ValidationError はタスク投入内容の不備です。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// FailedTaskError は失敗したタスクの結果を要求されたときのエラーです。
type FailedTaskError struct {
	TaskID string
	Info   ErrorInfo
}

func (e *FailedTaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s: %s", e.TaskID, e.Info.Code, e.Info.Message)
}
