package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/doc-forge/internal/documents"
)

const (
	maxCompressInputs   = 20
	maxArchiveEntries   = 1000
	maxExtractedBytes   = 1 << 30 // 1GB
	maxSignatureBytes   = 512 * 1024
	maxCrackCandidates  = 1000
	maxCrackDigits      = 6
	defaultCrackDigits  = 4
	defaultZipLevel     = 6
	defaultWatermarkPts = 48
)

var disableConfigDir sync.Once

// Options は変換処理の設定です。
type Options struct {
	SofficePath string
}

// Service は Converter の実装です。
type Service struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService は Service を作成します。
func NewService(opts Options, logger *slog.Logger) *Service {
	// pdfcpu がホームディレクトリに設定ファイルを作らないようにする
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	return &Service{
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Execute は req.Operation に応じた処理を実行します。
func (s *Service) Execute(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.OutDir == "" {
		return nil, errors.New("output directory is required")
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "load", 0.05)

	var (
		out *Output
		err error
	)
	switch req.Operation {
	case OperationConvert:
		out, err = s.convertOffice(ctx, req, progress)
	case OperationEncrypt:
		out, err = s.encryptPDF(ctx, req, progress)
	case OperationDecrypt:
		out, err = s.decryptPDF(ctx, req, progress)
	case OperationWatermark:
		out, err = s.watermarkPDF(ctx, req, progress)
	case OperationSign:
		out, err = s.signPDF(ctx, req, progress)
	case OperationCompress:
		out, err = s.compress(ctx, req, progress)
	case OperationDecompress:
		out, err = s.decompress(ctx, req, progress)
	case OperationCrack:
		out, err = s.crackPDF(ctx, req, progress)
	default:
		return nil, unsupported(fmt.Sprintf("未対応の処理です: %s", req.Operation), nil)
	}
	if err != nil {
		return nil, err
	}

	reportProgress(progress, "completed", 1)
	return out, nil
}

// detect は入力ファイルの MIME タイプを内容から判定します。
func detect(in Input) (*mimetype.MIME, error) {
	mt, err := mimetype.DetectFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect type of %s: %w", in.Filename, err)
	}
	return mt, nil
}

func singleInput(req Request) (Input, error) {
	if len(req.Inputs) != 1 {
		return Input{}, newError(CodeInvalidParameters, "入力ファイルは1件だけ指定してください。", nil)
	}
	return req.Inputs[0], nil
}

// requirePDF は入力が PDF であることを確認します。
func requirePDF(in Input) error {
	mt, err := detect(in)
	if err != nil {
		return err
	}
	if !mt.Is("application/pdf") {
		return unsupported(fmt.Sprintf("PDFファイルを指定してください (%s は %s です)。", in.Filename, mt.String()), nil)
	}
	return nil
}

func isEncrypted(in Input) bool {
	return documents.PDFEncrypted(in.Path)
}

func baseName(filename string) string {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == "/" {
		return "document"
	}
	return name
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
