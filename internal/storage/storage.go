// Package storage はドキュメント本体（バイト列）の保存先を抽象化します。
// オブジェクトは一度書き込んだら変更しません。置き換えは新しいキーへの書き込みで表現します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrObjectNotFound は指定したオブジェクトが存在しない場合に返されます。
var ErrObjectNotFound = errors.New("storage: object not found")

// Object はバケット内のオブジェクトの位置を表します。
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return o.Bucket + "/" + o.Key
}

// Validate はバケット名とキーが安全に扱えるかを確認します。
func (o Object) Validate() error {
	if o.Bucket == "" || strings.ContainsAny(o.Bucket, `/\`) || o.Bucket == "." || o.Bucket == ".." {
		return fmt.Errorf("storage: invalid bucket %q", o.Bucket)
	}
	if o.Key == "" || strings.HasPrefix(o.Key, "/") || strings.Contains(o.Key, `\`) {
		return fmt.Errorf("storage: invalid key %q", o.Key)
	}
	if cleaned := path.Clean(o.Key); cleaned != o.Key || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("storage: invalid key %q", o.Key)
	}
	return nil
}

// Blobs はオブジェクトストレージの最小限の操作です。
type Blobs interface {
	// EnsureBuckets は利用するバケットを作成します（存在する場合は何もしない）。
	EnsureBuckets(ctx context.Context, buckets []string) error
	// Put は r の内容を size バイト書き込みます。
	Put(ctx context.Context, obj Object, r io.Reader, size int64, contentType string) error
	// Get はオブジェクトを開きます。呼び出し側が Close します。
	Get(ctx context.Context, obj Object) (io.ReadCloser, int64, error)
	// Delete はオブジェクトを削除します。存在しない場合はエラーにしません。
	Delete(ctx context.Context, obj Object) error
}
