package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local はローカルファイルシステムに保存する実装です（開発環境用）。
// 保存先: <root>/<bucket>/<key>
type Local struct {
	root string
}

// NewLocal は Local を作成します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) EnsureBuckets(ctx context.Context, buckets []string) error {
	for _, bucket := range buckets {
		if err := (Object{Bucket: bucket, Key: "x"}).Validate(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(l.root, bucket), 0o750); err != nil {
			return fmt.Errorf("failed to create bucket dir %s: %w", bucket, err)
		}
	}
	return nil
}

// Put は一時ファイルに書き込んでからリネームします。
// 途中で失敗しても中途半端なオブジェクトは残りません。
func (l *Local) Put(ctx context.Context, obj Object, r io.Reader, size int64, contentType string) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	dst := l.path(obj)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	written, err := io.Copy(tmp, readerWithContext(ctx, r))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write object %s: %w", obj, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("object %s size mismatch: wrote %d, expected %d", obj, written, size)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to commit object %s: %w", obj, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, obj Object) (io.ReadCloser, int64, error) {
	if err := obj.Validate(); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(l.path(obj))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, obj)
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (l *Local) Delete(ctx context.Context, obj Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	if err := os.Remove(l.path(obj)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", obj, err)
	}
	return nil
}

func (l *Local) path(obj Object) string {
	return filepath.Join(l.root, obj.Bucket, filepath.FromSlash(obj.Key))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}
