// Package documents はアップロードされた/生成されたドキュメントのメタデータと本体を管理します。
package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/doc-forge/internal/storage"
)

// Category はドキュメントの分類です。保存先バケットもこれで決まります。
type Category string

const (
	CategoryWord    Category = "word"
	CategoryExcel   Category = "excel"
	CategoryPDF     Category = "pdf"
	CategoryArchive Category = "archive"
)

var categoryBuckets = map[Category]string{
	CategoryWord:    "word-documents",
	CategoryExcel:   "excel-documents",
	CategoryPDF:     "pdf-documents",
	CategoryArchive: "archive-files",
}

// Valid は既知の分類かどうかを返します。
func (c Category) Valid() bool {
	_, ok := categoryBuckets[c]
	return ok
}

// Bucket は分類に対応するバケット名です。
func (c Category) Bucket() string {
	return categoryBuckets[c]
}

// Buckets は全分類のバケット名を返します。
func Buckets() []string {
	return []string{
		CategoryWord.Bucket(),
		CategoryExcel.Bucket(),
		CategoryPDF.Bucket(),
		CategoryArchive.Bucket(),
	}
}

var mimeCategories = map[string]Category{
	"application/pdf":    CategoryPDF,
	"application/msword": CategoryWord,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": CategoryWord,
	"application/vnd.oasis.opendocument.text":                                 CategoryWord,
	"application/rtf":                                                         CategoryWord,
	"text/rtf":                                                                CategoryWord,
	"application/vnd.ms-excel":                                                CategoryExcel,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       CategoryExcel,
	"application/vnd.oasis.opendocument.spreadsheet":                          CategoryExcel,
	"text/csv":                          CategoryExcel,
	"application/zip":                   CategoryArchive,
	"application/x-7z-compressed":       CategoryArchive,
	"application/x-rar-compressed":      CategoryArchive,
	"application/vnd.rar":               CategoryArchive,
	"application/gzip":                  CategoryArchive,
	"application/x-tar":                 CategoryArchive,
}

// CategoryForMIME は MIME タイプから分類を決めます。
// パラメータ（; charset=... など）は無視します。
func CategoryForMIME(mime string) (Category, bool) {
	base, _, _ := strings.Cut(mime, ";")
	c, ok := mimeCategories[strings.ToLower(strings.TrimSpace(base))]
	return c, ok
}

// Document はドキュメント1件のメタデータです。
type Document struct {
	ID               string    `json:"id"`
	StorageID        string    `json:"storageId"`
	Category         Category  `json:"category"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	OriginalFilename string    `json:"originalFilename"`
	Size             int64     `json:"size"`
	FileType         string    `json:"fileType"`
	Checksum         string    `json:"checksum"`
	Encrypted        bool      `json:"encrypted"`
	Version          int       `json:"version"`
	Owner            string    `json:"owner"`
	SourceTaskID     string    `json:"sourceTaskId,omitempty"`
	ContentKey       string    `json:"-"` // 現在の本体のオブジェクトキー。書き込みごとに新しいキーになる
	Archived         bool      `json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Object は現在のバージョンの本体の保存位置です。
// 同じ version への書き込みが競合しても別オブジェクトになるよう、キーは行に記録します。
func (d *Document) Object() storage.Object {
	return storage.Object{Bucket: d.Category.Bucket(), Key: d.ContentKey}
}

func contentKey(storageID string, version int, revision string) string {
	return fmt.Sprintf("%s/v%d-%s", storageID, version, revision)
}

// ListFilter は一覧取得の条件です。
type ListFilter struct {
	Category Category
	Limit    int
}

var (
	// ErrNotFound はドキュメントが存在しない（削除済みを含む）場合に返されます。
	ErrNotFound = errors.New("document not found")
	// ErrForbidden は呼び出し元が所有者でない場合に返されます。
	ErrForbidden = errors.New("document belongs to another owner")
	// ErrConflict は同時更新でバージョンが食い違った場合に返されます。
	ErrConflict = errors.New("document was modified concurrently")
	// ErrUnsupportedType は対応していないファイル形式の場合に返されます。
	ErrUnsupportedType = errors.New("unsupported document type")
	// ErrTooLarge はサイズ上限を超えた場合に返されます。
	ErrTooLarge = errors.New("document exceeds size limit")
	// ErrEmpty は空ファイルの場合に返されます。
	ErrEmpty = errors.New("document is empty")
)
