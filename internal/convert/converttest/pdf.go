// Package converttest はテスト用の入力ファイルを生成します。
package converttest

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

// MinimalPDF は pages ページの小さな PDF を返します。
func MinimalPDF(pages int) []byte {
	if pages < 1 {
		pages = 1
	}
	texts := make([]string, pages)
	for i := range texts {
		texts[i] = fmt.Sprintf("Page %d", i+1)
	}
	return TextPDF(texts...)
}

// TextPDF は texts の各要素を1ページずつ描いた PDF を返します。
func TextPDF(texts ...string) []byte {
	if len(texts) == 0 {
		texts = []string{""}
	}
	pages := len(texts)

	// 1: Catalog, 2: Pages, 3: Font, 以降ページごとに Page と Contents
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	kids := &bytes.Buffer{}
	for i := 0; i < pages; i++ {
		pageObj := 4 + i*2
		contentObj := pageObj + 1
		fmt.Fprintf(kids, "%d 0 R ", pageObj)

		stream := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (%s) Tj ET", texts[i])
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", contentObj),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids.Bytes()), pages)

	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fileID := "9f86d081884c7d659a2feaa0c55ad015"
	fmt.Fprintf(buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Root 1 0 R /ID [<%s> <%s>] >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, fileID, fileID, xref)
	return buf.Bytes()
}

// WritePDF は MinimalPDF を path に書き込みます。
func WritePDF(t testing.TB, path string, pages int) {
	t.Helper()
	if err := os.WriteFile(path, MinimalPDF(pages), 0o600); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
}
