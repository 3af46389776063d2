package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/yourusername/doc-forge/internal/documents"
)

var errArchiveTooLarge = errors.New("archive exceeds extraction limit")

// ArchiveEntry は ZIP 内のファイル1件です。
type ArchiveEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// newZipWriter は level (0〜9) で圧縮する ZIP ライターを返します。0 は無圧縮で格納します。
func newZipWriter(w io.Writer, level int) *zip.Writer {
	zw := zip.NewWriter(w)
	if level > 0 {
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}
	return zw
}

func zipMethod(level int) uint16 {
	if level == 0 {
		return zip.Store
	}
	return zip.Deflate
}

// compress は入力をまとめて ZIP にします。
// format=pdf の場合、入力が1件なら PDF を最適化し、複数なら入力順に1つの PDF へ結合します。
func (s *Service) compress(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	format := strings.ToLower(req.Params.String("format", "zip"))
	switch format {
	case "pdf":
		switch n := len(req.Inputs); {
		case n == 1:
			return s.optimizePDF(ctx, req.Inputs[0], req.OutDir, progress)
		case n > 1 && n <= maxCompressInputs:
			return s.mergePDFs(ctx, req.Inputs, req.OutDir, progress)
		default:
			return nil, invalidParam("inputs", fmt.Sprintf("1〜%d件のファイルを指定してください。", maxCompressInputs))
		}
	case "zip":
	default:
		return nil, invalidParam("format", "zip または pdf を指定してください。")
	}

	if len(req.Inputs) == 0 || len(req.Inputs) > maxCompressInputs {
		return nil, invalidParam("inputs", fmt.Sprintf("1〜%d件のファイルを指定してください。", maxCompressInputs))
	}
	level, err := req.Params.Int("level", defaultZipLevel)
	if err != nil {
		return nil, err
	}
	if level < 0 || level > 9 {
		return nil, invalidParam("level", "0〜9の範囲で指定してください。")
	}

	outPath := filepath.Join(req.OutDir, "archive.zip")
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := newZipWriter(f, level)
	names := make(map[string]int, len(req.Inputs))
	entries := make([]ArchiveEntry, 0, len(req.Inputs))
	report := span(progress, "process", 0.1, 0.9)
	modified := s.now()

	var originalSize int64
	for i, in := range req.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := uniqueEntryName(names, in.Filename)
		size, err := addZipEntry(zw, name, in.Path, zipMethod(level), modified)
		if err != nil {
			return nil, err
		}
		originalSize += size
		entries = append(entries, ArchiveEntry{Name: name, Size: size})
		report(i+1, len(req.Inputs))
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	outputSize, err := fileSize(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	filename := "archive.zip"
	if len(req.Inputs) == 1 {
		filename = baseName(req.Inputs[0].Filename) + ".zip"
	}
	return &Output{
		Path:        outPath,
		Filename:    filename,
		ContentType: "application/zip",
		Category:    documents.CategoryArchive,
		Meta: map[string]any{
			"entries":      entries,
			"level":        level,
			"originalSize": originalSize,
			"outputSize":   outputSize,
			"savedPercent": computeSavedPercent(originalSize, outputSize),
		},
	}, nil
}

// uniqueEntryName は ZIP 内で重複しないファイル名を返します。
func uniqueEntryName(seen map[string]int, filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "file"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n+1, ext)
	// 生成した名前が既存の名前とぶつかる場合はさらに番号を進める
	for seen[candidate] > 0 {
		n++
		candidate = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n+1, ext)
	}
	seen[candidate] = 1
	return candidate
}

func addZipEntry(zw *zip.Writer, name, srcPath string, method uint16, modified time.Time) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add %s: %w", name, err)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return 0, fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return n, nil
}

// safeEntryName は展開先のルートから外れない相対パスを返します。
func safeEntryName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// decompress は ZIP を展開します。中身が1ファイルだけならそのファイルを、
// それ以外は安全なパスに正規化した ZIP を結果とします。
func (s *Service) decompress(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	mt, err := detect(in)
	if err != nil {
		return nil, err
	}
	if !mt.Is("application/zip") {
		return nil, unsupported(fmt.Sprintf("ZIPファイルを指定してください (%s)。", mt.String()), nil)
	}

	zr, err := zip.OpenReader(in.Path)
	if err != nil {
		return nil, unsupported("ZIPファイルを読み込めませんでした。ファイルが破損している可能性があります。", err)
	}
	defer zr.Close()

	files := make([]*zip.File, 0, len(zr.File))
	names := make([]string, 0, len(zr.File))
	var total uint64
	for _, f := range zr.File {
		name, ok := safeEntryName(f.Name)
		if !ok {
			return nil, newError(CodeInvalidParameters, fmt.Sprintf("不正なパスを含むため展開できません: %s", f.Name), nil)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if !f.Mode().IsRegular() {
			return nil, newError(CodeInvalidParameters, fmt.Sprintf("通常ファイル以外は展開できません: %s", f.Name), nil)
		}
		total += f.UncompressedSize64
		files = append(files, f)
		names = append(names, name)
	}
	if len(files) == 0 {
		return nil, newError(CodeInvalidParameters, "ZIPにファイルが含まれていません。", nil)
	}
	if len(files) > maxArchiveEntries {
		return nil, newError(CodeInvalidParameters, fmt.Sprintf("ファイル数が多すぎます (最大%d件)。", maxArchiveEntries), nil)
	}
	if total > maxExtractedBytes {
		return nil, newError(CodeInvalidParameters, "展開後のサイズが上限を超えています。", nil)
	}

	reportProgress(progress, "process", 0.1)

	if len(files) == 1 {
		out, err := s.extractSingle(ctx, files[0], names[0], req.OutDir)
		if err != nil {
			return nil, err
		}
		if out != nil {
			reportProgress(progress, "write", 0.9)
			return out, nil
		}
	}
	return s.normalizeArchive(ctx, in, files, names, req.OutDir, progress)
}

// extractSingle は1ファイルだけの ZIP を展開します。
// 中身が文書カテゴリに当てはまらない場合は nil を返し、ZIP のまま扱わせます。
func (s *Service) extractSingle(ctx context.Context, f *zip.File, name, outDir string) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outPath := filepath.Join(outDir, "extracted"+filepath.Ext(name))
	size, err := extractEntry(f, outPath)
	if err != nil {
		return nil, err
	}

	mt, err := mimetype.DetectFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect extracted type: %w", err)
	}
	category, ok := documents.CategoryForMIME(mt.String())
	if !ok {
		_ = os.Remove(outPath)
		return nil, nil
	}
	return &Output{
		Path:        outPath,
		Filename:    path.Base(name),
		ContentType: mt.String(),
		Category:    category,
		Encrypted:   category == documents.CategoryPDF && documents.PDFEncrypted(outPath),
		Meta: map[string]any{
			"entries": []ArchiveEntry{{Name: name, Size: size}},
		},
	}, nil
}

func extractEntry(f *zip.File, outPath string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, unsupported(fmt.Sprintf("%s を展開できませんでした。", f.Name), err)
	}
	defer rc.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", outPath, err)
	}
	n, err := copyLimited(dst, rc)
	if err != nil {
		dst.Close()
		return 0, err
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	return n, nil
}

// copyLimited はヘッダーのサイズを偽った ZIP に備えて実際の展開量も制限します。
func copyLimited(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, maxExtractedBytes+1))
	if err != nil {
		return n, unsupported("ZIPの展開に失敗しました。ファイルが破損している可能性があります。", err)
	}
	if n > maxExtractedBytes {
		return n, newError(CodeInvalidParameters, "展開後のサイズが上限を超えています。", errArchiveTooLarge)
	}
	return n, nil
}

func (s *Service) normalizeArchive(ctx context.Context, in Input, files []*zip.File, names []string, outDir string, progress ProgressReporter) (*Output, error) {
	outPath := filepath.Join(outDir, "normalized.zip")
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := newZipWriter(f, defaultZipLevel)
	report := span(progress, "process", 0.1, 0.9)
	entries := make([]ArchiveEntry, 0, len(files))
	var written int64
	for i, entry := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, unsupported(fmt.Sprintf("%s を展開できませんでした。", entry.Name), err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     names[i],
			Method:   zip.Deflate,
			Modified: entry.Modified,
		})
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to add %s: %w", names[i], err)
		}
		n, err := copyLimited(w, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		written += n
		if written > maxExtractedBytes {
			return nil, newError(CodeInvalidParameters, "展開後のサイズが上限を超えています。", errArchiveTooLarge)
		}
		entries = append(entries, ArchiveEntry{Name: names[i], Size: n})
		report(i+1, len(files))
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	return &Output{
		Path:        outPath,
		Filename:    baseName(in.Filename) + "_extracted.zip",
		ContentType: "application/zip",
		Category:    documents.CategoryArchive,
		Meta: map[string]any{
			"entries": entries,
			"count":   len(entries),
		},
	}, nil
}
