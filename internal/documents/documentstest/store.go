// Package documentstest はテスト用の documents.Store 実装を提供します。
package documentstest

import (
	"context"
	"sort"
	"sync"

	"github.com/yourusername/doc-forge/internal/documents"
)

// Store はマップで保持する documents.Store です。プロセス外には永続化しません。
type Store struct {
	mu   sync.Mutex
	docs map[string]*documents.Document
}

// NewStore は空の Store を作成します。
func NewStore() *Store {
	return &Store{docs: make(map[string]*documents.Document)}
}

func (s *Store) Insert(ctx context.Context, doc *documents.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return documents.ErrConflict
	}
	for _, existing := range s.docs {
		if existing.StorageID == doc.StorageID {
			return documents.ErrConflict
		}
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Archived {
		return nil, documents.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *Store) List(ctx context.Context, owner string, filter documents.ListFilter) ([]*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*documents.Document
	for _, doc := range s.docs {
		if doc.Owner != owner || doc.Archived {
			continue
		}
		if filter.Category != "" && doc.Category != filter.Category {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateContent(ctx context.Context, doc *documents.Document, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[doc.ID]
	if !ok || current.Archived {
		return documents.ErrNotFound
	}
	if current.Version != expectedVersion {
		return documents.ErrConflict
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *Store) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Archived {
		return documents.ErrNotFound
	}
	doc.Archived = true
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return documents.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// Len は保持している行数（アーカイブ済みを含む）です。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
