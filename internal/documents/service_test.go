package documents_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/convert/converttest"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/documents/documentstest"
	"github.com/yourusername/doc-forge/internal/logging"
	"github.com/yourusername/doc-forge/internal/storage"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

func newService(t *testing.T, maxSize int64) (*documents.Service, *documentstest.Store, *storage.Local) {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	store := documentstest.NewStore()
	svc := documents.NewService(store, blobs, documents.Options{MaxFileSize: maxSize, TempDir: t.TempDir()}, logging.Discard())
	return svc, store, blobs
}

func readAll(t *testing.T, svc *documents.Service, doc *documents.Document) []byte {
	t.Helper()
	rc, err := svc.Open(context.Background(), doc)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestCategoryForMIME(t *testing.T) {
	cases := map[string]documents.Category{
		"application/pdf": documents.CategoryPDF,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": documents.CategoryWord,
		"application/vnd.ms-excel":  documents.CategoryExcel,
		"text/csv; charset=utf-8":   documents.CategoryExcel,
		"application/zip":           documents.CategoryArchive,
	}
	for mime, want := range cases {
		got, ok := documents.CategoryForMIME(mime)
		assert.True(t, ok, mime)
		assert.Equal(t, want, got, mime)
	}
	_, ok := documents.CategoryForMIME("image/png")
	assert.False(t, ok)
	assert.Equal(t, "archive-files", documents.CategoryArchive.Bucket())
	assert.Len(t, documents.Buckets(), 4)
}

func TestUploadStoresContentAndMetadata(t *testing.T) {
	svc, _, _ := newService(t, 0)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, documents.UploadInput{
		Owner:    "alice",
		Filename: "../../report.pdf",
		Body:     bytes.NewReader(samplePDF),
	})
	require.NoError(t, err)

	assert.Equal(t, documents.CategoryPDF, doc.Category)
	assert.Equal(t, "report.pdf", doc.OriginalFilename)
	assert.Equal(t, "report", doc.Title)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, int64(len(samplePDF)), doc.Size)
	assert.Equal(t, checksum(samplePDF), doc.Checksum)
	assert.NotEqual(t, doc.ID, doc.StorageID)
	assert.False(t, doc.Encrypted)
	assert.Equal(t, samplePDF, readAll(t, svc, doc))
}

func TestUploadDetectsEncryption(t *testing.T) {
	svc, _, _ := newService(t, 0)
	ctx := context.Background()

	// 本文に /Encrypt という文字列があっても暗号化はされていない
	plain := converttest.TextPDF("/Encrypt 9 0 R")
	doc, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "plain.pdf", Body: bytes.NewReader(plain)})
	require.NoError(t, err)
	assert.False(t, doc.Encrypted)

	var encrypted bytes.Buffer
	require.NoError(t, pdfapi.Encrypt(bytes.NewReader(plain), &encrypted, model.NewAESConfiguration("pw", "pw", 256)))
	doc, err = svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "locked.pdf", Body: bytes.NewReader(encrypted.Bytes())})
	require.NoError(t, err)
	assert.True(t, doc.Encrypted)
}

func TestUploadRejectsUnsupportedAndOversized(t *testing.T) {
	svc, store, _ := newService(t, 16)
	ctx := context.Background()

	_, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.txt", Body: bytes.NewReader([]byte("plain"))})
	assert.ErrorIs(t, err, documents.ErrUnsupportedType)

	_, err = svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.pdf", Body: bytes.NewReader(samplePDF)})
	assert.ErrorIs(t, err, documents.ErrTooLarge)

	_, err = svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.pdf", Body: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, documents.ErrEmpty)

	assert.Zero(t, store.Len())
}

func TestReplaceBumpsVersionAndKeepsStorageID(t *testing.T) {
	svc, _, blobs := newService(t, 0)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.pdf", Body: bytes.NewReader(samplePDF)})
	require.NoError(t, err)
	oldObject := doc.Object()

	updated := append([]byte{}, samplePDF...)
	updated = append(updated, []byte("% revised\n")...)
	replaced, err := svc.Replace(ctx, doc.ID, "alice", "b.pdf", bytes.NewReader(updated))
	require.NoError(t, err)

	assert.Equal(t, doc.ID, replaced.ID)
	assert.Equal(t, doc.StorageID, replaced.StorageID)
	assert.Equal(t, 2, replaced.Version)
	assert.NotEqual(t, oldObject, replaced.Object())
	assert.Equal(t, "b.pdf", replaced.OriginalFilename)
	assert.Equal(t, checksum(updated), replaced.Checksum)
	assert.Equal(t, updated, readAll(t, svc, replaced))

	_, _, err = blobs.Get(ctx, oldObject)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = svc.Replace(ctx, doc.ID, "mallory", "c.pdf", bytes.NewReader(updated))
	assert.ErrorIs(t, err, documents.ErrForbidden)
}

// racingStore は最初の UpdateContent の直前に before を一度だけ実行します。
type racingStore struct {
	*documentstest.Store
	raced  atomic.Bool
	before func()
}

func (s *racingStore) UpdateContent(ctx context.Context, doc *documents.Document, expectedVersion int) error {
	if s.raced.CompareAndSwap(false, true) && s.before != nil {
		s.before()
	}
	return s.Store.UpdateContent(ctx, doc, expectedVersion)
}

func TestConcurrentReplaceKeepsWinnerContent(t *testing.T) {
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	store := &racingStore{Store: documentstest.NewStore()}
	svc := documents.NewService(store, blobs, documents.Options{TempDir: t.TempDir()}, logging.Discard())
	ctx := context.Background()

	doc, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.pdf", Body: bytes.NewReader(samplePDF)})
	require.NoError(t, err)

	winnerBody := append(append([]byte{}, samplePDF...), []byte("% winner\n")...)
	loserBody := append(append([]byte{}, samplePDF...), []byte("% loser\n")...)

	var (
		winner    *documents.Document
		winnerErr error
	)
	store.before = func() {
		winner, winnerErr = svc.Replace(ctx, doc.ID, "alice", "w.pdf", bytes.NewReader(winnerBody))
	}

	_, err = svc.Replace(ctx, doc.ID, "alice", "l.pdf", bytes.NewReader(loserBody))
	assert.ErrorIs(t, err, documents.ErrConflict)
	require.NoError(t, winnerErr)

	current, err := svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, winner.Object(), current.Object())
	assert.Equal(t, checksum(winnerBody), current.Checksum)
	assert.Equal(t, winnerBody, readAll(t, svc, current))
}

func TestDeleteSoftAndPurge(t *testing.T) {
	svc, store, blobs := newService(t, 0)
	ctx := context.Background()

	soft, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "a.pdf", Body: bytes.NewReader(samplePDF)})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, soft.ID, "alice", false))
	_, err = svc.Get(ctx, soft.ID)
	assert.ErrorIs(t, err, documents.ErrNotFound)
	assert.Equal(t, 1, store.Len())

	hard, err := svc.Upload(ctx, documents.UploadInput{Owner: "alice", Filename: "b.pdf", Body: bytes.NewReader(samplePDF)})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, hard.ID, "bob", true), documents.ErrForbidden)
	require.NoError(t, svc.Delete(ctx, hard.ID, "alice", true))
	_, _, err = blobs.Get(ctx, hard.Object())
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Equal(t, 1, store.Len())
}

func TestSaveOutput(t *testing.T) {
	svc, _, _ := newService(t, 0)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "out.zip")
	zipBytes := []byte("PK\x05\x06\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	require.NoError(t, os.WriteFile(path, zipBytes, 0o600))

	doc, err := svc.SaveOutput(ctx, documents.OutputInput{
		Owner:        "alice",
		Filename:     "bundle.zip",
		Path:         path,
		ContentType:  "application/zip",
		Category:     documents.CategoryArchive,
		SourceTaskID: "6b1b8d1e-3c55-4f7a-9d4e-0a0b0c0d0e0f",
	})
	require.NoError(t, err)
	assert.Equal(t, documents.CategoryArchive, doc.Category)
	assert.Equal(t, checksum(zipBytes), doc.Checksum)
	assert.Equal(t, "6b1b8d1e-3c55-4f7a-9d4e-0a0b0c0d0e0f", doc.SourceTaskID)
	assert.Equal(t, zipBytes, readAll(t, svc, doc))

	_, err = svc.SaveOutput(ctx, documents.OutputInput{Owner: "alice", Path: path, Category: "image"})
	assert.ErrorIs(t, err, documents.ErrUnsupportedType)
}

func TestGetRejectsMalformedID(t *testing.T) {
	svc, _, _ := newService(t, 0)
	_, err := svc.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, documents.ErrNotFound)
}
