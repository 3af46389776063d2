package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/doc-forge/internal/documents"
)

var signPositions = map[string]string{
	"bottom-right": "br",
	"bottom-left":  "bl",
	"top-right":    "tr",
	"top-left":     "tl",
}

var signOffsets = map[string]string{
	"br": "-24 24",
	"bl": "24 24",
	"tr": "-24 -24",
	"tl": "24 -24",
}

func pdfOutput(in Input, suffix, path string, encrypted bool, meta map[string]any) *Output {
	return &Output{
		Path:        path,
		Filename:    baseName(in.Filename) + suffix + ".pdf",
		ContentType: "application/pdf",
		Category:    documents.CategoryPDF,
		Encrypted:   encrypted,
		Meta:        meta,
	}
}

// pdfError は pdfcpu のエラーを利用者向けのエラーに変換します。
func pdfError(err error) error {
	if err == nil {
		return nil
	}
	if isPasswordError(err) {
		return newError(CodeWrongPassword, "パスワードが正しくありません。", err)
	}
	return unsupported("PDFの処理に失敗しました。ファイルが破損している可能性があります。", err)
}

// transformPDF は入力を開き、fn の結果を outPath に書き込みます。
// fn の失敗は利用者起因として扱い、ファイル操作の失敗はそのまま返します。
func transformPDF(inPath, outPath string, fn func(rs io.ReadSeeker, w io.Writer) error) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := fn(in, out); err != nil {
		out.Close()
		_ = os.Remove(outPath)
		return pdfError(err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func requirePlainPDF(in Input) error {
	if err := requirePDF(in); err != nil {
		return err
	}
	if isEncrypted(in) {
		return newError(CodeInvalidParameters, "暗号化されたPDFは先に解除してください。", nil)
	}
	return nil
}

func pageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	n, err := pdfapi.PageCount(f, model.NewDefaultConfiguration())
	if err != nil {
		return 0, pdfError(err)
	}
	return n, nil
}

func (s *Service) encryptPDF(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	password := req.Params.String("password", "")
	if password == "" {
		return nil, invalidParam("password", "パスワードを指定してください。")
	}
	ownerPassword := req.Params.String("ownerPassword", password)
	if err := requirePlainPDF(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 0.3)

	outPath := filepath.Join(req.OutDir, "encrypted.pdf")
	conf := model.NewAESConfiguration(password, ownerPassword, 256)
	if err := transformPDF(in.Path, outPath, func(rs io.ReadSeeker, w io.Writer) error {
		return pdfapi.Encrypt(rs, w, conf)
	}); err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 0.9)
	return pdfOutput(in, "_encrypted", outPath, true, map[string]any{
		"algorithm": "AES-256",
	}), nil
}

func (s *Service) decryptPDF(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	password := req.Params.String("password", "")
	if password == "" {
		return nil, invalidParam("password", "パスワードを指定してください。")
	}
	if err := requirePDF(in); err != nil {
		return nil, err
	}
	if !isEncrypted(in) {
		return nil, newError(CodeInvalidParameters, "このPDFは暗号化されていません。", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 0.3)

	outPath := filepath.Join(req.OutDir, "decrypted.pdf")
	if err := decryptTo(in.Path, outPath, password); err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 0.9)
	return pdfOutput(in, "_decrypted", outPath, false, map[string]any{}), nil
}

func decryptTo(inPath, outPath, password string) error {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	return transformPDF(inPath, outPath, func(rs io.ReadSeeker, w io.Writer) error {
		return pdfapi.Decrypt(rs, w, conf)
	})
}

func (s *Service) watermarkPDF(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Params.String("text", ""))
	if text == "" {
		return nil, invalidParam("text", "透かし文字を指定してください。")
	}
	opacity, err := req.Params.Float("opacity", 0.3)
	if err != nil {
		return nil, err
	}
	if opacity <= 0 || opacity > 1 {
		return nil, invalidParam("opacity", "0より大きく1以下で指定してください。")
	}
	fontSize, err := req.Params.Int("fontSize", defaultWatermarkPts)
	if err != nil {
		return nil, err
	}
	if fontSize < 6 || fontSize > 200 {
		return nil, invalidParam("fontSize", "6〜200の範囲で指定してください。")
	}
	if err := requirePlainPDF(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 0.3)

	desc := fmt.Sprintf("fontname:Helvetica, points:%d, opacity:%s, rotation:45, scalefactor:0.6 rel",
		fontSize, strconv.FormatFloat(opacity, 'f', 2, 64))
	wm, err := pdfapi.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return nil, newError(CodeInvalidParameters, "透かしの設定が不正です。", err)
	}

	outPath := filepath.Join(req.OutDir, "watermarked.pdf")
	if err := transformPDF(in.Path, outPath, func(rs io.ReadSeeker, w io.Writer) error {
		return pdfapi.AddWatermarks(rs, w, nil, wm, model.NewDefaultConfiguration())
	}); err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 0.9)
	return pdfOutput(in, "_watermarked", outPath, false, map[string]any{
		"text":     text,
		"opacity":  opacity,
		"fontSize": fontSize,
	}), nil
}

// decodeSignature は params.image の base64 画像を取り出します。data URL 形式も受け付けます。
func decodeSignature(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalidParam("image", "署名画像を指定してください。")
	}
	if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i >= 0 {
		raw = raw[i+1:]
	}
	if base64.StdEncoding.DecodedLen(len(raw)) > maxSignatureBytes+3 {
		return nil, invalidParam("image", "署名画像は512KB以下にしてください。")
	}
	img, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, invalidParam("image", "base64 形式で指定してください。")
	}
	if len(img) > maxSignatureBytes {
		return nil, invalidParam("image", "署名画像は512KB以下にしてください。")
	}
	mt := mimetype.Detect(img)
	if !mt.Is("image/png") && !mt.Is("image/jpeg") {
		return nil, invalidParam("image", "PNG または JPEG 画像を指定してください。")
	}
	return img, nil
}

func (s *Service) signPDF(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	img, err := decodeSignature(req.Params.String("image", ""))
	if err != nil {
		return nil, err
	}
	positionName := req.Params.String("position", "bottom-right")
	pos, ok := signPositions[positionName]
	if !ok {
		return nil, invalidParam("position", "bottom-right / bottom-left / top-right / top-left のいずれかを指定してください。")
	}
	if err := requirePlainPDF(in); err != nil {
		return nil, err
	}

	pages, err := pageCount(in.Path)
	if err != nil {
		return nil, err
	}
	page, err := req.Params.Int("page", pages)
	if err != nil {
		return nil, err
	}
	if page < 1 || page > pages {
		return nil, invalidParam("page", fmt.Sprintf("1〜%dの範囲で指定してください。", pages))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 0.4)

	desc := fmt.Sprintf("position:%s, offset:%s, scalefactor:0.25 rel, rotation:0", pos, signOffsets[pos])
	wm, err := pdfapi.ImageWatermarkForReader(bytes.NewReader(img), desc, true, false, types.POINTS)
	if err != nil {
		return nil, invalidParam("image", "署名画像を読み込めませんでした。")
	}

	outPath := filepath.Join(req.OutDir, "signed.pdf")
	selected := []string{strconv.Itoa(page)}
	if err := transformPDF(in.Path, outPath, func(rs io.ReadSeeker, w io.Writer) error {
		return pdfapi.AddWatermarks(rs, w, selected, wm, model.NewDefaultConfiguration())
	}); err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 0.9)
	return pdfOutput(in, "_signed", outPath, false, map[string]any{
		"page":     page,
		"position": positionName,
	}), nil
}

// optimizePDF は pdfcpu で PDF の重複リソースを整理して小さくします。
func (s *Service) optimizePDF(ctx context.Context, in Input, outDir string, progress ProgressReporter) (*Output, error) {
	if err := requirePlainPDF(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 0.4)

	outPath := filepath.Join(outDir, "optimized.pdf")
	if err := transformPDF(in.Path, outPath, func(rs io.ReadSeeker, w io.Writer) error {
		return pdfapi.Optimize(rs, w, model.NewDefaultConfiguration())
	}); err != nil {
		return nil, err
	}
	after, err := fileSize(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output: %w", err)
	}

	reportProgress(progress, "write", 0.9)
	return pdfOutput(in, "_optimized", outPath, false, map[string]any{
		"originalSize": in.Size,
		"outputSize":   after,
		"savedPercent": computeSavedPercent(in.Size, after),
	}), nil
}

// mergePDFs は入力順に PDF を結合します。結合結果は pdfcpu が最適化して書き出します。
func (s *Service) mergePDFs(ctx context.Context, inputs []Input, outDir string, progress ProgressReporter) (*Output, error) {
	readers := make([]io.ReadSeeker, 0, len(inputs))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	report := span(progress, "read", 0.05, 0.2)
	var originalSize int64
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := requirePlainPDF(in); err != nil {
			return nil, err
		}
		f, err := os.Open(in.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		files = append(files, f)
		readers = append(readers, f)
		originalSize += in.Size
		report(i+1, len(inputs))
	}

	reportProgress(progress, "process", 0.3)

	outPath := filepath.Join(outDir, "merged.pdf")
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	if err := pdfapi.MergeRaw(readers, out, false, model.NewDefaultConfiguration()); err != nil {
		out.Close()
		return nil, pdfError(err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}

	reportProgress(progress, "write", 0.9)

	pages, err := pageCount(outPath)
	if err != nil {
		return nil, err
	}
	after, err := fileSize(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output: %w", err)
	}
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Filename
	}
	merged := pdfOutput(inputs[0], "_merged", outPath, false, map[string]any{
		"inputs":       names,
		"pages":        pages,
		"originalSize": originalSize,
		"outputSize":   after,
	})
	merged.Filename = "merged.pdf"
	return merged, nil
}

// crackPDF は候補パスワードと数字の PIN を順に試し、見つかれば復号した PDF を返します。
func (s *Service) crackPDF(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	in, err := singleInput(req)
	if err != nil {
		return nil, err
	}
	candidates, err := req.Params.Strings("candidates")
	if err != nil {
		return nil, err
	}
	if len(candidates) > maxCrackCandidates {
		return nil, invalidParam("candidates", fmt.Sprintf("候補は%d件以下にしてください。", maxCrackCandidates))
	}
	maxDigits, err := req.Params.Int("maxDigits", defaultCrackDigits)
	if err != nil {
		return nil, err
	}
	if maxDigits < 0 || maxDigits > maxCrackDigits {
		return nil, invalidParam("maxDigits", fmt.Sprintf("0〜%dの範囲で指定してください。", maxCrackDigits))
	}
	if err := requirePDF(in); err != nil {
		return nil, err
	}
	if !isEncrypted(in) {
		return nil, newError(CodeInvalidParameters, "このPDFは暗号化されていません。", nil)
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	// 空パスワードで開けるか、そもそも読めないファイルかを先に確認する
	if err := openWithPassword(data, ""); err == nil {
		return s.crackFound(in, req.OutDir, "", 0, progress)
	} else if !isPasswordError(err) {
		return nil, pdfError(err)
	}

	total := len(candidates)
	space := 1
	for d := 1; d <= maxDigits; d++ {
		space *= 10
		total += space
	}
	report := span(progress, "search", 0.05, 0.9)

	tried := 0
	try := func(pw string) (bool, error) {
		tried++
		if tried%64 == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			report(tried, total)
		}
		return openWithPassword(data, pw) == nil, nil
	}

	for _, pw := range candidates {
		ok, err := try(pw)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.crackFound(in, req.OutDir, pw, tried, progress)
		}
	}
	for d := 1; d <= maxDigits; d++ {
		limit := 1
		for i := 0; i < d; i++ {
			limit *= 10
		}
		for n := 0; n < limit; n++ {
			pw := fmt.Sprintf("%0*d", d, n)
			ok, err := try(pw)
			if err != nil {
				return nil, err
			}
			if ok {
				return s.crackFound(in, req.OutDir, pw, tried, progress)
			}
		}
	}

	return nil, newError(CodePasswordNotFound, fmt.Sprintf("%d件の候補を試しましたがパスワードは見つかりませんでした。", tried), nil)
}

func (s *Service) crackFound(in Input, outDir, password string, attempts int, progress ProgressReporter) (*Output, error) {
	reportProgress(progress, "process", 0.92)

	outPath := filepath.Join(outDir, "recovered.pdf")
	if err := decryptTo(in.Path, outPath, password); err != nil {
		return nil, err
	}
	return pdfOutput(in, "_recovered", outPath, false, map[string]any{
		"password": password,
		"attempts": attempts,
	}), nil
}

func openWithPassword(data []byte, password string) error {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	_, err := pdfapi.ReadContext(bytes.NewReader(data), conf)
	return err
}

func isPasswordError(err error) bool {
	return errors.Is(err, pdfcpu.ErrWrongPassword)
}
