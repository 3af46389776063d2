package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/convert/converttest"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/logging"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Options{SofficePath: "soffice"}, logging.Discard())
}

func writeInput(t *testing.T, dir, name string, body []byte) Input {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return Input{Path: path, Filename: name, Size: int64(len(body))}
}

func pdfInput(t *testing.T, dir, name string, pages int) Input {
	t.Helper()
	return writeInput(t, dir, name, converttest.MinimalPDF(pages))
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	convErr, ok := AsError(err)
	require.Truef(t, ok, "expected *convert.Error, got %T: %v", err, err)
	assert.Equal(t, code, convErr.Code)
}

func TestParams(t *testing.T) {
	p := Params{
		"n":     float64(3),
		"frac":  1.5,
		"s":     "7",
		"bad":   true,
		"list":  []any{"a", "b"},
		"mixed": []any{"a", 1},
	}

	n, err := p.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.Int("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = p.Int("missing", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = p.Int("frac", 0)
	requireCode(t, err, CodeInvalidParameters)
	_, err = p.Int("bad", 0)
	requireCode(t, err, CodeInvalidParameters)

	f, err := p.Float("frac", 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f, 1e-9)

	list, err := p.Strings("list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	_, err = p.Strings("mixed")
	requireCode(t, err, CodeInvalidParameters)

	assert.Equal(t, "default", p.String("missing", "default"))
	assert.Equal(t, "7", p.String("s", ""))
}

func TestExecuteRejectsUnknownOperation(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Execute(context.Background(), Request{Operation: "shred", OutDir: t.TempDir()}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestExecuteReportsProgressInOrder(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := writeInput(t, dir, "a.txt", []byte("hello"))

	var seen []float64
	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{in},
		OutDir:    t.TempDir(),
	}, func(stage string, fraction float64) {
		seen = append(seen, fraction)
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 1.0, seen[len(seen)-1])
}

func TestCompressMultipleInputs(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	inputs := []Input{
		writeInput(t, dir, "a.txt", bytes.Repeat([]byte("a"), 4096)),
		writeInput(t, dir, "b.txt", []byte("bbb")),
	}
	// 同名ファイルは別名で格納される
	dup := writeInput(t, t.TempDir(), "a.txt", []byte("second"))
	inputs = append(inputs, dup)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    inputs,
		Params:    Params{"level": float64(9)},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, documents.CategoryArchive, out.Category)
	assert.Equal(t, "archive.zip", out.Filename)
	assert.Equal(t, "application/zip", out.ContentType)

	zr, err := zip.OpenReader(out.Path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "a (2).txt"}, names)
}

func TestCompressValidation(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := writeInput(t, dir, "a.txt", []byte("x"))

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{in},
		Params:    Params{"level": float64(11)},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{in},
		Params:    Params{"format": "rar"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	many := make([]Input, maxCompressInputs+1)
	for i := range many {
		many[i] = in
	}
	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    many,
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestCompressStoreLevel(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := writeInput(t, dir, "report.txt", []byte("plain"))

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{in},
		Params:    Params{"level": float64(0)},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "report.zip", out.Filename)

	zr, err := zip.OpenReader(out.Path)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, zip.Store, zr.File[0].Method)
}

func TestDecompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	inputs := []Input{
		writeInput(t, dir, "a.txt", []byte("alpha")),
		writeInput(t, dir, "b.txt", []byte("beta")),
		pdfInput(t, dir, "c.pdf", 1),
	}
	packed, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    inputs,
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)

	archive := Input{Path: packed.Path, Filename: packed.Filename}
	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationDecompress,
		Inputs:    []Input{archive},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, documents.CategoryArchive, out.Category)
	assert.Equal(t, "archive_extracted.zip", out.Filename)
	entries, ok := out.Meta["entries"].([]ArchiveEntry)
	require.True(t, ok)
	require.Len(t, entries, 3)
	assert.Equal(t, ArchiveEntry{Name: "a.txt", Size: 5}, entries[0])
}

func TestDecompressSingleDocument(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	zipPath := filepath.Join(dir, "one.zip")
	converttest.WriteZip(t, zipPath, "docs/report.pdf", string(converttest.MinimalPDF(2)))

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationDecompress,
		Inputs:    []Input{{Path: zipPath, Filename: "one.zip"}},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, documents.CategoryPDF, out.Category)
	assert.Equal(t, "report.pdf", out.Filename)
	assert.Equal(t, "application/pdf", out.ContentType)
}

func TestDecompressRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	zipPath := filepath.Join(dir, "evil.zip")
	converttest.WriteZip(t, zipPath, "ok.txt", "fine", "../../etc/passwd", "root")

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationDecompress,
		Inputs:    []Input{{Path: zipPath, Filename: "evil.zip"}},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestDecompressRejectsNonZip(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "a.pdf", 1)

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationDecompress,
		Inputs:    []Input{in},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestSafeEntryName(t *testing.T) {
	cases := map[string]bool{
		"a.txt":          true,
		"dir/b.txt":      true,
		"dir/../b.txt":   true,
		"../b.txt":       false,
		"/etc/passwd":    false,
		"..":             false,
		"a\\..\\..\\x":   false,
		"":               false,
		"./nested/c.txt": true,
	}
	for name, want := range cases {
		_, ok := safeEntryName(name)
		assert.Equalf(t, want, ok, "safeEntryName(%q)", name)
	}
}

func TestUniqueEntryName(t *testing.T) {
	seen := map[string]int{}
	assert.Equal(t, "a.txt", uniqueEntryName(seen, "a.txt"))
	assert.Equal(t, "a (2).txt", uniqueEntryName(seen, "dir/a.txt"))
	assert.Equal(t, "a (3).txt", uniqueEntryName(seen, "a.txt"))
	assert.Equal(t, "file", uniqueEntryName(seen, ".."))
}

func TestEncryptDecrypt(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "plan.pdf", 2)

	enc, err := svc.Execute(context.Background(), Request{
		Operation: OperationEncrypt,
		Inputs:    []Input{in},
		Params:    Params{"password": "s3cret"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.True(t, enc.Encrypted)
	assert.Equal(t, "plan_encrypted.pdf", enc.Filename)
	assert.True(t, documents.PDFEncrypted(enc.Path))

	encIn := Input{Path: enc.Path, Filename: enc.Filename}

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationDecrypt,
		Inputs:    []Input{encIn},
		Params:    Params{"password": "wrong"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeWrongPassword)

	dec, err := svc.Execute(context.Background(), Request{
		Operation: OperationDecrypt,
		Inputs:    []Input{encIn},
		Params:    Params{"password": "s3cret"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.False(t, dec.Encrypted)
	assert.False(t, documents.PDFEncrypted(dec.Path))

	pages, err := pageCount(dec.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
}

func TestEncryptValidation(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "plan.pdf", 1)

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationEncrypt,
		Inputs:    []Input{in},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	txt := writeInput(t, dir, "note.txt", []byte("not a pdf"))
	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationEncrypt,
		Inputs:    []Input{txt},
		Params:    Params{"password": "x"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationDecrypt,
		Inputs:    []Input{in},
		Params:    Params{"password": "x"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestCorruptPDFIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := writeInput(t, dir, "broken.pdf", []byte("%PDF-1.7\nthis is not really a pdf\n"))

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationWatermark,
		Inputs:    []Input{in},
		Params:    Params{"text": "DRAFT"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestWatermark(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "memo.pdf", 3)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationWatermark,
		Inputs:    []Input{in},
		Params:    Params{"text": "CONFIDENTIAL", "opacity": 0.5, "fontSize": float64(36)},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memo_watermarked.pdf", out.Filename)
	pages, err := pageCount(out.Path)
	require.NoError(t, err)
	assert.Equal(t, 3, pages)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationWatermark,
		Inputs:    []Input{in},
		Params:    Params{"text": "x", "opacity": float64(2)},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestWatermarkPlainPDFMentioningEncrypt(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := writeInput(t, dir, "notes.pdf", converttest.TextPDF("/Encrypt 9 0 R"))
	require.False(t, documents.PDFEncrypted(in.Path))

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationWatermark,
		Inputs:    []Input{in},
		Params:    Params{"text": "DRAFT"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.False(t, out.Encrypted)
}

func TestIsPasswordError(t *testing.T) {
	assert.True(t, isPasswordError(pdfcpu.ErrWrongPassword))
	assert.True(t, isPasswordError(fmt.Errorf("read: %w", pdfcpu.ErrWrongPassword)))
	assert.False(t, isPasswordError(errors.New("field password is required")))
	assert.False(t, isPasswordError(nil))
}

func signatureImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.RGBA{A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSign(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "contract.pdf", 2)
	sig := signatureImage(t)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationSign,
		Inputs:    []Input{in},
		Params:    Params{"image": "data:image/png;base64," + sig, "position": "top-left"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "contract_signed.pdf", out.Filename)
	assert.Equal(t, 2, out.Meta["page"])

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationSign,
		Inputs:    []Input{in},
		Params:    Params{"image": sig, "position": "middle"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationSign,
		Inputs:    []Input{in},
		Params:    Params{"image": sig, "page": float64(5)},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationSign,
		Inputs:    []Input{in},
		Params:    Params{"image": base64.StdEncoding.EncodeToString([]byte("plain text"))},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestMergePDFs(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	first := pdfInput(t, dir, "a.pdf", 2)
	second := pdfInput(t, dir, "b.pdf", 3)

	var stages []string
	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{first, second},
		Params:    Params{"format": "pdf"},
		OutDir:    t.TempDir(),
	}, func(stage string, _ float64) { stages = append(stages, stage) })
	require.NoError(t, err)
	assert.Equal(t, "merged.pdf", out.Filename)
	assert.Equal(t, documents.CategoryPDF, out.Category)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, out.Meta["inputs"])
	assert.Contains(t, stages, "read")

	pages, err := pageCount(out.Path)
	require.NoError(t, err)
	assert.Equal(t, 5, pages)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{first, writeInput(t, dir, "c.txt", []byte("not a pdf"))},
		Params:    Params{"format": "pdf"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestOptimizePDF(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "big.pdf", 4)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCompress,
		Inputs:    []Input{in},
		Params:    Params{"format": "pdf"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, documents.CategoryPDF, out.Category)
	assert.Equal(t, "big_optimized.pdf", out.Filename)
	assert.Contains(t, out.Meta, "savedPercent")
}

func encryptedInput(t *testing.T, svc *Service, password string) Input {
	t.Helper()
	in := pdfInput(t, t.TempDir(), "locked.pdf", 1)
	enc, err := svc.Execute(context.Background(), Request{
		Operation: OperationEncrypt,
		Inputs:    []Input{in},
		Params:    Params{"password": password},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	return Input{Path: enc.Path, Filename: "locked.pdf"}
}

func TestCrackFromCandidates(t *testing.T) {
	svc := newTestService(t)
	in := encryptedInput(t, svc, "hunter2")

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCrack,
		Inputs:    []Input{in},
		Params:    Params{"candidates": []any{"password", "hunter2"}, "maxDigits": float64(0)},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out.Meta["password"])
	assert.False(t, documents.PDFEncrypted(out.Path))
}

func TestCrackNumericPIN(t *testing.T) {
	svc := newTestService(t)
	in := encryptedInput(t, svc, "07")

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationCrack,
		Inputs:    []Input{in},
		Params:    Params{"maxDigits": float64(2)},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "07", out.Meta["password"])
}

func TestCrackNotFound(t *testing.T) {
	svc := newTestService(t)
	in := encryptedInput(t, svc, "not-a-pin")

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationCrack,
		Inputs:    []Input{in},
		Params:    Params{"candidates": []any{"a", "b"}, "maxDigits": float64(1)},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodePasswordNotFound)

	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationCrack,
		Inputs:    []Input{in},
		Params:    Params{"maxDigits": float64(7)},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)
}

func TestCrackHonorsCancellation(t *testing.T) {
	svc := newTestService(t)
	in := encryptedInput(t, svc, "not-a-pin")

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := svc.Execute(ctx, Request{
		Operation: OperationCrack,
		Inputs:    []Input{in},
		Params:    Params{"maxDigits": float64(4)},
		OutDir:    t.TempDir(),
	}, func(stage string, fraction float64) {
		if stage == "search" {
			calls++
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestConvertRejectsPDF(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)
	in := pdfInput(t, dir, "already.pdf", 1)

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{in},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func writeFakeSoffice(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script soffice is not available on windows")
	}
	path := filepath.Join(t.TempDir(), "soffice")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestConvertOffice(t *testing.T) {
	soffice := writeFakeSoffice(t, `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--outdir" ]; then out="$a"; fi
  prev="$a"
done
printf '%%PDF-1.4\n%%%%EOF\n' > "$out/source.pdf"
`)
	svc := NewService(Options{SofficePath: soffice}, logging.Discard())

	dir := t.TempDir()
	docx := filepath.Join(dir, "report.docx")
	converttest.WriteDocx(t, docx)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{{Path: docx, Filename: "report.docx"}},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", out.Filename)
	assert.Equal(t, documents.CategoryPDF, out.Category)
	_, err = os.Stat(out.Path)
	require.NoError(t, err)
}

func TestConvertPDFToDocx(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	soffice := writeFakeSoffice(t, `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--outdir" ]; then out="$a"; fi
  prev="$a"
done
printf '%s\n' "$@" > "`+argsFile+`"
printf 'PK' > "$out/source.docx"
`)
	svc := NewService(Options{SofficePath: soffice}, logging.Discard())
	in := pdfInput(t, t.TempDir(), "scan.pdf", 1)

	out, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{in},
		Params:    Params{"format": "docx"},
		OutDir:    t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scan.docx", out.Filename)
	assert.Equal(t, documents.CategoryWord, out.Category)
	assert.Equal(t, "docx", out.Meta["format"])

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--infilter=writer_pdf_import\n")
	assert.Contains(t, string(args), "docx:MS Word 2007 XML\n")
}

func TestConvertTargetValidation(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{pdfInput(t, dir, "a.pdf", 1)},
		Params:    Params{"format": "odt"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeInvalidParameters)

	zipPath := filepath.Join(dir, "a.zip")
	converttest.WriteZip(t, zipPath, "x.txt", "x")
	_, err = svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{{Path: zipPath, Filename: "a.zip"}},
		Params:    Params{"format": "docx"},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestConvertOfficeFailure(t *testing.T) {
	soffice := writeFakeSoffice(t, "#!/bin/sh\necho 'source file could not be loaded' >&2\nexit 1\n")
	svc := NewService(Options{SofficePath: soffice}, logging.Discard())

	dir := t.TempDir()
	docx := filepath.Join(dir, "broken.docx")
	converttest.WriteDocx(t, docx)

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{{Path: docx, Filename: "broken.docx"}},
		OutDir:    t.TempDir(),
	}, nil)
	requireCode(t, err, CodeUnsupportedFormat)
}

func TestConvertMissingSofficeIsTransient(t *testing.T) {
	svc := NewService(Options{SofficePath: filepath.Join(t.TempDir(), "missing-soffice")}, logging.Discard())

	dir := t.TempDir()
	docx := filepath.Join(dir, "report.docx")
	converttest.WriteDocx(t, docx)

	_, err := svc.Execute(context.Background(), Request{
		Operation: OperationConvert,
		Inputs:    []Input{{Path: docx, Filename: "report.docx"}},
		OutDir:    t.TempDir(),
	}, nil)
	require.Error(t, err)
	_, logical := AsError(err)
	assert.False(t, logical)
}

func TestWorkspace(t *testing.T) {
	base := t.TempDir()
	ws, err := NewWorkspace(base, "task-1", 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "task-1-2"), ws.Dir)
	assert.Equal(t, filepath.Join(ws.InDir, "000.pdf"), ws.InputPath(0, "x/y.pdf"))

	require.NoError(t, os.WriteFile(filepath.Join(ws.OutDir, "left.txt"), []byte("x"), 0o600))
	again, err := NewWorkspace(base, "task-1", 2)
	require.NoError(t, err)
	entries, err := os.ReadDir(again.OutDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, again.Remove())
	_, err = os.Stat(again.Dir)
	assert.True(t, os.IsNotExist(err))
}
