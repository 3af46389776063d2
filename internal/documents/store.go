package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yourusername/doc-forge/internal/database"
)

// Store はドキュメントのメタデータを永続化します。
type Store interface {
	Insert(ctx context.Context, doc *Document) error
	// Get はアーカイブ済みのドキュメントに対しても ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, owner string, filter ListFilter) ([]*Document, error)
	// UpdateContent は version が expectedVersion の場合に限り本体関連の列を更新します。
	UpdateContent(ctx context.Context, doc *Document, expectedVersion int) error
	Archive(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// PostgresStore は PostgreSQL 実装です。
type PostgresStore struct {
	db database.DBTX
}

// NewPostgresStore は PostgresStore を作成します。
func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const documentColumns = `id, storage_id, category, title, description, original_filename, size,
	file_type, checksum, is_encrypted, version, owner, source_task_id, archived, created_at, updated_at, content_key`

func (s *PostgresStore) Insert(ctx context.Context, doc *Document) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		doc.ID, doc.StorageID, string(doc.Category), doc.Title, doc.Description, doc.OriginalFilename, doc.Size,
		doc.FileType, doc.Checksum, doc.Encrypted, doc.Version, doc.Owner, nullableUUID(doc.SourceTaskID),
		doc.Archived, doc.CreatedAt, doc.UpdatedAt, doc.ContentKey,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert document %s: %w", doc.ID, ErrConflict)
		}
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 AND NOT archived`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) List(ctx context.Context, owner string, filter ListFilter) ([]*Document, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE owner = $1 AND NOT archived AND ($2 = '' OR category = $2)
		ORDER BY created_at DESC
		LIMIT $3`, owner, string(filter.Category), limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateContent(ctx context.Context, doc *Document, expectedVersion int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE documents
		SET original_filename = $1, size = $2, file_type = $3, checksum = $4, is_encrypted = $5,
		    version = $6, updated_at = $7, content_key = $8
		WHERE id = $9 AND version = $10 AND NOT archived`,
		doc.OriginalFilename, doc.Size, doc.FileType, doc.Checksum, doc.Encrypted,
		doc.Version, doc.UpdatedAt, doc.ContentKey, doc.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, doc.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Archive(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE documents SET archived = TRUE, updated_at = now() WHERE id = $1 AND NOT archived`, id)
	if err != nil {
		return fmt.Errorf("archive document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc          Document
		category     string
		sourceTaskID *string
	)
	err := row.Scan(
		&doc.ID, &doc.StorageID, &category, &doc.Title, &doc.Description, &doc.OriginalFilename, &doc.Size,
		&doc.FileType, &doc.Checksum, &doc.Encrypted, &doc.Version, &doc.Owner, &sourceTaskID,
		&doc.Archived, &doc.CreatedAt, &doc.UpdatedAt, &doc.ContentKey,
	)
	if err != nil {
		return nil, err
	}
	doc.Category = Category(category)
	if sourceTaskID != nil {
		doc.SourceTaskID = *sourceTaskID
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
