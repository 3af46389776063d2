package convert

import (
	"errors"
	"fmt"
)

// エラーコード。いずれも入力やパラメータに起因するため再試行しても結果は変わりません。
const (
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeInvalidParameters = "INVALID_PARAMETERS"
	CodeProcessingTimeout = "PROCESSING_TIMEOUT"
	CodeWrongPassword     = "WRONG_PASSWORD"
	CodePasswordNotFound  = "PASSWORD_NOT_FOUND"
)

// Error は利用者に提示できる変換エラーです。Message はそのまま表示されます。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func unsupported(message string, err error) *Error {
	return newError(CodeUnsupportedFormat, message, err)
}

func invalidParam(key, message string) *Error {
	return newError(CodeInvalidParameters, fmt.Sprintf("%s: %s", key, message), nil)
}

// TimeoutError は処理時間の上限に達したことを表すエラーを返します。
func TimeoutError(err error) *Error {
	return newError(CodeProcessingTimeout, "処理時間の上限を超えました。", err)
}

// AsError は err が *Error であればそれを返します。
func AsError(err error) (*Error, bool) {
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr, true
	}
	return nil, false
}
