// Package convert はタスク種別ごとの変換処理（Office→PDF、暗号化、透かし、圧縮など）を提供します。
// 呼び出し側は入力をローカルファイルとして用意し、結果もローカルファイルとして受け取ります。
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yourusername/doc-forge/internal/documents"
)

// Operation は変換処理の種別です。
type Operation string

const (
	OperationConvert    Operation = "convert"
	OperationEncrypt    Operation = "encrypt"
	OperationDecrypt    Operation = "decrypt"
	OperationWatermark  Operation = "watermark"
	OperationSign       Operation = "sign"
	OperationCompress   Operation = "compress"
	OperationDecompress Operation = "decompress"
	OperationCrack      Operation = "crack"
)

// Input は処理対象のファイル1件です。
type Input struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// Request は変換処理1回分の入力です。
type Request struct {
	Operation Operation
	Inputs    []Input
	Params    Params
	OutDir    string // 出力ファイルの書き込み先
}

// Output は変換結果です。Path のファイルは呼び出し側が片付けます。
type Output struct {
	Path        string
	Filename    string
	ContentType string
	Category    documents.Category
	Encrypted   bool
	Meta        map[string]any
}

// Converter は変換処理を実行します。
// 入力やパラメータに起因する失敗は *Error で返します。それ以外のエラーは一時的な障害として扱われます。
type Converter interface {
	Execute(ctx context.Context, req Request, progress ProgressReporter) (*Output, error)
}

// Params はタスクのパラメータです。JSON 由来の値を型ごとに取り出すヘルパーを持ちます。
type Params map[string]any

// String は文字列パラメータを返します。
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Int は整数パラメータを返します。数値に変換できない場合はエラーです。
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, invalidParam(key, "整数で指定してください。")
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, invalidParam(key, "整数で指定してください。")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, invalidParam(key, "整数で指定してください。")
		}
		return n, nil
	default:
		return 0, invalidParam(key, "整数で指定してください。")
	}
}

// Float は数値パラメータを返します。
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, invalidParam(key, "数値で指定してください。")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, invalidParam(key, "数値で指定してください。")
		}
		return f, nil
	default:
		return 0, invalidParam(key, "数値で指定してください。")
	}
}

// Strings は文字列配列パラメータを返します。
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, invalidParam(key, "文字列の配列で指定してください。")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalidParam(key, "文字列の配列で指定してください。")
	}
}
