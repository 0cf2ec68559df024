package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
)

// MemoryStore implements Store using in-memory maps.
// Useful for testing and demos. Not persistent.
type MemoryStore struct {
	docs   map[string]document
	evals  []eval.Record
	audits []audit.Record

	mu sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]document)}
}

func (s *MemoryStore) PutDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	prepared, err := prepareChunks(documentID, chunks, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[documentID]; exists {
		return ErrDocumentExists
	}
	s.docs[documentID] = document{ID: documentID, CreatedAt: time.Now().UTC(), Chunks: prepared}
	return nil
}

func (s *MemoryStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return []Chunk{}, nil
	}
	out := make([]Chunk, len(doc.Chunks))
	copy(out, doc.Chunks)
	return out, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return ErrDocumentNotFound
	}
	delete(s.docs, documentID)
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]DocumentInfo, 0, len(s.docs))
	for _, doc := range s.docs {
		infos = append(infos, DocumentInfo{ID: doc.ID, Chunks: len(doc.Chunks), CreatedAt: doc.CreatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		Documents:    int64(len(s.docs)),
		EvalRecords:  int64(len(s.evals)),
		AuditRecords: int64(len(s.audits)),
	}
	for _, doc := range s.docs {
		stats.Chunks += int64(len(doc.Chunks))
		stats.CiphertextBytes += ciphertextBytes(doc.Chunks)
	}
	return stats, nil
}

func (s *MemoryStore) AppendEval(ctx context.Context, rec eval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals = append(s.evals, rec)
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

// Evals returns a copy of the eval log.
func (s *MemoryStore) Evals() []eval.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]eval.Record(nil), s.evals...)
}

// Audits returns a copy of the audit log.
func (s *MemoryStore) Audits() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record(nil), s.audits...)
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)
