package converttest

import (
	"os"
	"testing"

	"github.com/klauspost/compress/zip"
)

const contentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>hello</w:t></w:r></w:p></w:body></w:document>`

// WriteDocx は Word 文書として判定される最小構成の DOCX を書き込みます。
func WriteDocx(t testing.TB, path string) {
	t.Helper()
	WriteZip(t, path, "[Content_Types].xml", contentTypes, "word/document.xml", documentXML)
}

// WriteZip は name, body の組を順に格納した ZIP を書き込みます。
func WriteZip(t testing.TB, path string, pairs ...string) {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatalf("WriteZip: odd number of arguments")
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for i := 0; i < len(pairs); i += 2 {
		w, err := zw.Create(pairs[i])
		if err != nil {
			t.Fatalf("add %s: %v", pairs[i], err)
		}
		if _, err := w.Write([]byte(pairs[i+1])); err != nil {
			t.Fatalf("write %s: %v", pairs[i], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}
