package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/doc-forge/internal/storage"
)

// Options は Service の動作設定です。
type Options struct {
	MaxFileSize int64  // 0 以下なら無制限
	TempDir     string // アップロードを一時保存するディレクトリ（空ならOS既定）
}

// Service はドキュメントの登録・置換・削除と本体の入出力を担います。
type Service struct {
	store  Store
	blobs  storage.Blobs
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService は Service を作成します。
func NewService(store Store, blobs storage.Blobs, opts Options, logger *slog.Logger) *Service {
	// 暗号化判定で pdfcpu を使うため、設定ディレクトリを作らせない
	pdfapi.DisableConfigDir()
	return &Service{
		store:  store,
		blobs:  blobs,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// UploadInput はアップロード1件分の入力です。
type UploadInput struct {
	Owner       string
	Title       string
	Description string
	Filename    string
	Body        io.Reader
}

// OutputInput はタスクが生成したファイルを登録するための入力です。
type OutputInput struct {
	Owner        string
	Title        string
	Filename     string
	Path         string // 生成済みファイルのパス
	ContentType  string // 空なら内容から判定
	Category     Category
	Encrypted    bool
	SourceTaskID string
}

// Upload はアップロードされたファイルを保存し、ドキュメントを作成します。
func (s *Service) Upload(ctx context.Context, in UploadInput) (*Document, error) {
	if in.Owner == "" {
		return nil, errors.New("owner is required")
	}
	spooled, err := s.spool(in.Body)
	if err != nil {
		return nil, err
	}
	defer spooled.cleanup()

	category, ok := CategoryForMIME(spooled.mime)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, spooled.mime)
	}

	now := s.now()
	doc := &Document{
		ID:               s.newID(),
		StorageID:        s.newID(),
		Category:         category,
		Title:            titleOr(in.Title, in.Filename),
		Description:      in.Description,
		OriginalFilename: sanitizeFilename(in.Filename),
		Size:             spooled.size,
		FileType:         spooled.mime,
		Checksum:         spooled.checksum,
		Encrypted:        spooled.encrypted,
		Version:          1,
		Owner:            in.Owner,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.persistNew(ctx, doc, spooled.path); err != nil {
		return nil, err
	}
	s.logger.Info("document uploaded",
		slog.String("document_id", doc.ID),
		slog.String("category", string(doc.Category)),
		slog.Int64("size", doc.Size),
	)
	return doc, nil
}

// SaveOutput はタスクの成果物を新しいドキュメントとして登録します。
// 本体の保存が完了してから行を挿入するため、行が見えた時点で本体は必ず存在します。
func (s *Service) SaveOutput(ctx context.Context, in OutputInput) (*Document, error) {
	if !in.Category.Valid() {
		return nil, fmt.Errorf("%w: category %q", ErrUnsupportedType, in.Category)
	}
	file, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return nil, fmt.Errorf("failed to hash output: %w", err)
	}
	contentType := in.ContentType
	if contentType == "" {
		mt, err := mimetype.DetectFile(in.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to detect output type: %w", err)
		}
		contentType = mt.String()
	}

	now := s.now()
	doc := &Document{
		ID:               s.newID(),
		StorageID:        s.newID(),
		Category:         in.Category,
		Title:            titleOr(in.Title, in.Filename),
		OriginalFilename: sanitizeFilename(in.Filename),
		Size:             size,
		FileType:         contentType,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
		Encrypted:        in.Encrypted,
		Version:          1,
		Owner:            in.Owner,
		SourceTaskID:     in.SourceTaskID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.persistNew(ctx, doc, in.Path); err != nil {
		return nil, err
	}
	return doc, nil
}

// Replace は既存ドキュメントの本体を置き換え、version を1つ進めます。
// 分類が変わるような置き換えは受け付けません。
func (s *Service) Replace(ctx context.Context, id, owner, filename string, body io.Reader) (*Document, error) {
	current, err := s.GetOwned(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	spooled, err := s.spool(body)
	if err != nil {
		return nil, err
	}
	defer spooled.cleanup()

	category, ok := CategoryForMIME(spooled.mime)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, spooled.mime)
	}
	if category != current.Category {
		return nil, fmt.Errorf("%w: cannot replace %s document with %s content", ErrUnsupportedType, current.Category, category)
	}

	next := *current
	next.Version = current.Version + 1
	next.Size = spooled.size
	next.FileType = spooled.mime
	next.Checksum = spooled.checksum
	next.Encrypted = spooled.encrypted
	next.UpdatedAt = s.now()
	next.ContentKey = contentKey(current.StorageID, next.Version, s.newID())
	if filename != "" {
		next.OriginalFilename = sanitizeFilename(filename)
	}

	if err := s.putFile(ctx, next.Object(), spooled.path, next.Size, next.FileType); err != nil {
		return nil, err
	}
	if err := s.store.UpdateContent(ctx, &next, current.Version); err != nil {
		// 競合に負けた場合も、消すのは自分が書いたオブジェクトだけ
		s.deleteObject(ctx, next.Object())
		return nil, err
	}
	// 旧バージョンの本体は参照されなくなる
	s.deleteObject(ctx, current.Object())

	s.logger.Info("document replaced",
		slog.String("document_id", next.ID),
		slog.Int("version", next.Version),
	)
	return &next, nil
}

// Get はドキュメントを取得します。
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// GetOwned は所有者を確認したうえでドキュメントを取得します。
func (s *Service) GetOwned(ctx context.Context, id, owner string) (*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Owner != owner {
		return nil, ErrForbidden
	}
	return doc, nil
}

// List は所有者のドキュメントを新しい順に返します。
func (s *Service) List(ctx context.Context, owner string, filter ListFilter) ([]*Document, error) {
	return s.store.List(ctx, owner, filter)
}

// Open は本体を読み出します。呼び出し側が Close します。
func (s *Service) Open(ctx context.Context, doc *Document) (io.ReadCloser, error) {
	rc, _, err := s.blobs.Get(ctx, doc.Object())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: content of %s is missing", ErrNotFound, doc.ID)
		}
		return nil, err
	}
	return rc, nil
}

// Delete はドキュメントを削除します。purge が false ならアーカイブのみ行います。
func (s *Service) Delete(ctx context.Context, id, owner string, purge bool) error {
	doc, err := s.GetOwned(ctx, id, owner)
	if err != nil {
		return err
	}
	if !purge {
		return s.store.Archive(ctx, doc.ID)
	}
	return s.Discard(ctx, doc)
}

// Discard は所有者確認なしで行と本体を削除します（成果物の取り消し用）。
func (s *Service) Discard(ctx context.Context, doc *Document) error {
	if err := s.store.Delete(ctx, doc.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.deleteObject(ctx, doc.Object())
	return nil
}

func (s *Service) persistNew(ctx context.Context, doc *Document, path string) error {
	doc.ContentKey = contentKey(doc.StorageID, doc.Version, s.newID())
	if err := s.putFile(ctx, doc.Object(), path, doc.Size, doc.FileType); err != nil {
		return err
	}
	if err := s.store.Insert(ctx, doc); err != nil {
		s.deleteObject(ctx, doc.Object())
		return err
	}
	return nil
}

func (s *Service) putFile(ctx context.Context, obj storage.Object, path string, size int64, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open spooled file: %w", err)
	}
	defer file.Close()
	if err := s.blobs.Put(ctx, obj, file, size, contentType); err != nil {
		return fmt.Errorf("failed to store document content: %w", err)
	}
	return nil
}

func (s *Service) deleteObject(ctx context.Context, obj storage.Object) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), obj); err != nil {
		s.logger.Warn("failed to delete object", slog.String("object", obj.String()), slog.Any("error", err))
	}
}

type spooledFile struct {
	path      string
	size      int64
	checksum  string
	mime      string
	encrypted bool
}

func (f *spooledFile) cleanup() {
	_ = os.Remove(f.path)
}

// spool は受信データを一時ファイルに書き出しつつ、サイズとチェックサムを求めます。
func (s *Service) spool(body io.Reader) (*spooledFile, error) {
	if body == nil {
		return nil, ErrEmpty
	}
	tmp, err := os.CreateTemp(s.opts.TempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	f := &spooledFile{path: tmp.Name()}

	reader := body
	if s.opts.MaxFileSize > 0 {
		reader = io.LimitReader(body, s.opts.MaxFileSize+1)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		f.cleanup()
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if size == 0 {
		f.cleanup()
		return nil, ErrEmpty
	}
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		f.cleanup()
		return nil, ErrTooLarge
	}

	mt, err := mimetype.DetectFile(f.path)
	if err != nil {
		f.cleanup()
		return nil, fmt.Errorf("failed to detect type: %w", err)
	}
	f.size = size
	f.checksum = hex.EncodeToString(hasher.Sum(nil))
	f.mime = mt.String()
	if mt.Is("application/pdf") {
		f.encrypted = PDFEncrypted(f.path)
	}
	return f, nil
}

// PDFEncrypted は pdfcpu で相互参照表を読み、暗号化辞書があるかを返します。
// パスワードなしで開けないファイルも暗号化ありとみなします。PDF として読めない場合は false です。
func PDFEncrypted(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	ctx, err := pdfapi.ReadContext(file, model.NewDefaultConfiguration())
	if err != nil {
		return errors.Is(err, pdfcpu.ErrWrongPassword)
	}
	return ctx.Encrypt != nil || ctx.E != nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	// ヘッダーに載せるので引用符と制御文字は置き換える
	name = strings.Map(func(r rune) rune {
		if r == '"' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

func titleOr(title, filename string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	name := sanitizeFilename(filename)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
