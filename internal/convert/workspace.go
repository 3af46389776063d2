package convert

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace はタスク1件分の作業ディレクトリです。
//
//	<base>/<taskID>-<attempt>/in   入力ファイル
//	<base>/<taskID>-<attempt>/out  出力ファイル
type Workspace struct {
	Dir    string
	InDir  string
	OutDir string
}

// NewWorkspace は作業ディレクトリを作成します。
// 同じタスクでも試行ごとに別ディレクトリになるため、古い試行と衝突しません。
func NewWorkspace(base, taskID string, attempt int) (*Workspace, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s-%d", taskID, attempt))
	ws := &Workspace{
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
	// 前回のプロセスが残したものは捨てる
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to reset workspace: %w", err)
	}
	for _, d := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

// InputPath は n 番目の入力の保存先です。元のファイル名は拡張子だけ引き継ぎます。
func (w *Workspace) InputPath(n int, filename string) string {
	return filepath.Join(w.InDir, fmt.Sprintf("%03d%s", n, filepath.Ext(filename)))
}

// Remove は作業ディレクトリを削除します。
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
