package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/yourusername/doc-forge/internal/documents"
)

// officeTarget は LibreOffice で変換する先の形式です。
type officeTarget struct {
	filter      string // --convert-to に渡す値
	ext         string
	contentType string
	category    documents.Category
	sources     []documents.Category
}

var officeTargets = map[string]officeTarget{
	"pdf": {
		filter:      "pdf",
		ext:         ".pdf",
		contentType: "application/pdf",
		category:    documents.CategoryPDF,
		sources:     []documents.Category{documents.CategoryWord, documents.CategoryExcel},
	},
	"docx": {
		filter:      "docx:MS Word 2007 XML",
		ext:         ".docx",
		contentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		category:    documents.CategoryWord,
		sources:     []documents.Category{documents.CategoryPDF, documents.CategoryWord},
	},
}

// convertOffice は LibreOffice で文書の形式を変換します。
// format=pdf は Word/Excel を PDF に、format=docx は PDF/Word を DOCX にします。
func (s *Service) convertOffice(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(req.Params.String("format", "pdf"))
	target, ok := officeTargets[format]
	if !ok {
		return nil, invalidParam("format", "変換先は pdf または docx を指定してください。")
	}

	mt, err := detect(in)
	if err != nil {
		return nil, err
	}
	category, ok := documents.CategoryForMIME(mt.String())
	if !ok || !slices.Contains(target.sources, category) {
		return nil, unsupported(fmt.Sprintf("%s には変換できない形式です (%s)。", format, mt.String()), nil)
	}
	if category == documents.CategoryPDF && isEncrypted(in) {
		return nil, newError(CodeInvalidParameters, "暗号化されたPDFは先に解除してください。", nil)
	}

	reportProgress(progress, "process", 0.2)

	// soffice は入力名から出力名を決めるので、拡張子を保ったまま別ディレクトリに置く。
	// docx → docx のように拡張子が同じでも出力と衝突しない。
	stageDir := filepath.Join(req.OutDir, ".stage")
	if err := os.MkdirAll(stageDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create stage dir: %w", err)
	}
	defer os.RemoveAll(stageDir)
	defer os.RemoveAll(filepath.Join(req.OutDir, ".profile"))
	source := filepath.Join(stageDir, "source"+mt.Extension())
	if err := copyFile(source, in.Path); err != nil {
		return nil, fmt.Errorf("failed to stage input: %w", err)
	}

	infilter := ""
	if category == documents.CategoryPDF {
		// PDF は Draw で開かれるので、Writer の取り込みフィルターを指定する
		infilter = "writer_pdf_import"
	}
	if err := s.runSoffice(ctx, sofficeArgs(source, req.OutDir, target.filter, infilter)); err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 0.9)

	produced := filepath.Join(req.OutDir, "source"+target.ext)
	size, err := fileSize(produced)
	if err != nil {
		return nil, unsupported("変換結果が生成されませんでした。ファイルが破損している可能性があります。", err)
	}

	return &Output{
		Path:        produced,
		Filename:    baseName(in.Filename) + target.ext,
		ContentType: target.contentType,
		Category:    target.category,
		Meta: map[string]any{
			"format":     format,
			"sourceType": mt.String(),
			"sourceSize": in.Size,
			"outputSize": size,
		},
	}, nil
}

func (s *Service) runSoffice(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, s.opts.SofficePath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// 起動できなかった場合は環境側の問題なので再試行に回す
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("soffice could not be started at %q: %w", s.opts.SofficePath, err)
		}
		return unsupported(fmt.Sprintf("LibreOfficeによる変換に失敗しました: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

// sofficeArgs は outDir に出力する soffice の引数を組み立てます。
// 並列実行時にプロファイルのロックを取り合わないよう、作業ディレクトリ内の専用プロファイルを使います。
func sofficeArgs(inputPath, outDir, filter, infilter string) []string {
	profileDir := filepath.Join(outDir, ".profile")
	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--headless",
		"--norestore",
		"--nolockcheck",
	}
	if infilter != "" {
		args = append(args, "--infilter="+infilter)
	}
	return append(args,
		"--convert-to", filter,
		"--outdir", outDir,
		inputPath,
	)
}
