// Package logging は slog ベースのロガー生成と、外部ライブラリ向けのアダプターを提供します。
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New は JSON 形式で出力するロガーを作成します。
// level は debug / info / warn / error のいずれか（不明な値は info）。
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter は出力先を指定してロガーを作成します。
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler).With(slog.String("service", "doc-forge"))
}

// Discard は何も出力しないロガーです（テスト用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel は文字列を slog.Level に変換します。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AsynqLogger は asynq.Logger を slog に橋渡しします。
type AsynqLogger struct {
	l *slog.Logger
}

// NewAsynqLogger は AsynqLogger を作成します。
func NewAsynqLogger(l *slog.Logger) *AsynqLogger {
	return &AsynqLogger{l: l.With(slog.String("component", "asynq"))}
}

func (a *AsynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *AsynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *AsynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *AsynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

// Fatal は asynq が回復不能と判断した場合に呼ばれます。
func (a *AsynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...), slog.Bool("fatal", true))
	os.Exit(1)
}
