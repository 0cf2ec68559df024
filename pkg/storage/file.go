package storage

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
)

// FileStore implements Store on the local filesystem. Each document is one
// JSON file, replaced atomically by rename; the logs are JSON lines.
//
// Directory structure:
//
//	basePath/
//	├── documents/
//	│   ├── 646f635f31.json    (hex of "doc_1")
//	│   └── ...
//	├── eval_logs.jsonl
//	└── privacy_audits.jsonl
type FileStore struct {
	basePath string
	docsPath string

	mu sync.RWMutex
}

// NewFileStore creates a file-backed store, creating directories as needed.
func NewFileStore(basePath string) (*FileStore, error) {
	docsPath := filepath.Join(basePath, "documents")
	if err := os.MkdirAll(docsPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	return &FileStore{basePath: basePath, docsPath: docsPath}, nil
}

// docPath returns the path to a document file. The ID is hex encoded so
// distinct IDs never share a file and no ID can escape docsPath.
func (s *FileStore) docPath(id string) string {
	return filepath.Join(s.docsPath, hex.EncodeToString([]byte(id))+".json")
}

func (s *FileStore) PutDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	now := time.Now().UTC()
	prepared, err := prepareChunks(documentID, chunks, now)
	if err != nil {
		return err
	}
	data, err := marshalDocument(document{ID: documentID, CreatedAt: now, Chunks: prepared})
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.docPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return ErrDocumentExists
	}

	tmp, err := os.CreateTemp(s.docsPath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

func (s *FileStore) readDocument(id string) (document, error) {
	data, err := os.ReadFile(s.docPath(id))
	if os.IsNotExist(err) {
		return document{}, ErrDocumentNotFound
	}
	if err != nil {
		return document{}, fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := unmarshalDocument(data)
	if err != nil {
		return document{}, fmt.Errorf("failed to parse document %s: %w", id, err)
	}
	if doc.ID != id {
		return document{}, fmt.Errorf("document file for %q holds %q", id, doc.ID)
	}
	return doc, nil
}

func (s *FileStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.readDocument(documentID)
	if err == ErrDocumentNotFound {
		return []Chunk{}, nil
	}
	if err != nil {
		return nil, err
	}
	sortChunks(doc.Chunks)
	return doc.Chunks, nil
}

func (s *FileStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.docPath(documentID))
	if os.IsNotExist(err) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete document file: %w", err)
	}
	return nil
}

func (s *FileStore) documents() ([]document, error) {
	entries, err := os.ReadDir(s.docsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	docs := make([]document, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.docsPath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		doc, err := unmarshalDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *FileStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.documents()
	if err != nil {
		return nil, err
	}
	infos := make([]DocumentInfo, len(docs))
	for i, doc := range docs {
		infos[i] = DocumentInfo{ID: doc.ID, Chunks: len(doc.Chunks), CreatedAt: doc.CreatedAt}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.documents()
	if err != nil {
		return nil, err
	}
	stats := &Stats{Documents: int64(len(docs))}
	for _, doc := range docs {
		stats.Chunks += int64(len(doc.Chunks))
		stats.CiphertextBytes += ciphertextBytes(doc.Chunks)
	}
	if stats.EvalRecords, err = countLines(filepath.Join(s.basePath, "eval_logs.jsonl")); err != nil {
		return nil, err
	}
	if stats.AuditRecords, err = countLines(filepath.Join(s.basePath, "privacy_audits.jsonl")); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *FileStore) AppendEval(ctx context.Context, rec eval.Record) error {
	return s.appendLine("eval_logs.jsonl", rec)
}

func (s *FileStore) AppendAudit(ctx context.Context, rec audit.Record) error {
	return s.appendLine("privacy_audits.jsonl", rec)
}

func (s *FileStore) appendLine(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.basePath, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return f.Close()
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// Close is a no-op for file store.
func (s *FileStore) Close() error {
	return nil
}

// Ensure FileStore implements Store interface.
var _ Store = (*FileStore)(nil)
