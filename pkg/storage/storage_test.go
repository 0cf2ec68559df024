package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/cache"
	"github.com/opaque/cipherrag/pkg/eval"
	"github.com/opaque/cipherrag/pkg/search"
)

// fakeObjects is an in-memory objectAPI.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errObjectNotFound
	}
	return data, nil
}

func (f *fakeObjects) exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjects) remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) list(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "cipherrag.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": sqlite,
		"minio":  &MinioStore{objects: newFakeObjects()},
		"cached": NewCachedStore(NewMemoryStore(), cache.NewMemory(16, 0), nil),
	}
}

func testChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		// Insert in reverse to check ordering on read.
		idx := n - 1 - i
		chunks[i] = Chunk{
			Index:      idx,
			Text:       strings.Repeat("x", idx+1),
			Ciphertext: []byte{1, byte(idx), 2, 3},
			Norm:       float64(idx) + 0.5,
			QNorm:      float64(idx) + 1,
			Reduced:    []float64{float64(idx), -1},
		}
	}
	return chunks
}

func TestStoreDocumentLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.PutDocument(ctx, "doc-1", testChunks(3)); err != nil {
				t.Fatalf("PutDocument: %v", err)
			}

			chunks, err := store.GetChunks(ctx, "doc-1")
			if err != nil {
				t.Fatalf("GetChunks: %v", err)
			}
			if len(chunks) != 3 {
				t.Fatalf("got %d chunks, want 3", len(chunks))
			}
			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				if c.DocumentID != "doc-1" {
					t.Errorf("chunk %d has document %q", i, c.DocumentID)
				}
				if string(c.Ciphertext) != string([]byte{1, byte(i), 2, 3}) {
					t.Errorf("chunk %d ciphertext mismatch", i)
				}
				if c.Norm != float64(i)+0.5 || c.QNorm != float64(i)+1 {
					t.Errorf("chunk %d norms = %f/%f", i, c.Norm, c.QNorm)
				}
				if len(c.Reduced) != 2 || c.Reduced[0] != float64(i) {
					t.Errorf("chunk %d reduced = %v", i, c.Reduced)
				}
				if c.CreatedAt.IsZero() {
					t.Errorf("chunk %d has no timestamp", i)
				}
			}

			if err := store.PutDocument(ctx, "doc-1", testChunks(1)); !errors.Is(err, ErrDocumentExists) {
				t.Errorf("second PutDocument: got %v, want ErrDocumentExists", err)
			}

			if err := store.PutDocument(ctx, "doc-2", testChunks(2)); err != nil {
				t.Fatalf("PutDocument doc-2: %v", err)
			}
			docs, err := store.ListDocuments(ctx)
			if err != nil {
				t.Fatalf("ListDocuments: %v", err)
			}
			if len(docs) != 2 || docs[0].ID != "doc-1" || docs[0].Chunks != 3 || docs[1].Chunks != 2 {
				t.Errorf("ListDocuments = %+v", docs)
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.Documents != 2 || stats.Chunks != 5 || stats.CiphertextBytes != 20 {
				t.Errorf("Stats = %+v", stats)
			}

			if err := store.DeleteDocument(ctx, "doc-1"); err != nil {
				t.Fatalf("DeleteDocument: %v", err)
			}
			chunks, err = store.GetChunks(ctx, "doc-1")
			if err != nil {
				t.Fatalf("GetChunks after delete: %v", err)
			}
			if len(chunks) != 0 {
				t.Errorf("deleted document still has %d chunks", len(chunks))
			}
			if err := store.DeleteDocument(ctx, "doc-1"); !errors.Is(err, ErrDocumentNotFound) {
				t.Errorf("second DeleteDocument: got %v, want ErrDocumentNotFound", err)
			}
		})
	}
}

func TestStoreUnknownDocumentHasNoChunks(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			chunks, err := store.GetChunks(context.Background(), "missing")
			if err != nil {
				t.Fatalf("GetChunks: %v", err)
			}
			if len(chunks) != 0 {
				t.Errorf("got %d chunks", len(chunks))
			}
		})
	}
}

func TestStoreDistinctIDsDoNotCollide(t *testing.T) {
	ids := []string{"alice/report", "alice_report", "alice\\report", "alice..report", "alice%2Freport"}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.PutDocument(ctx, ids[0], testChunks(1)); err != nil {
				t.Fatalf("PutDocument(%q): %v", ids[0], err)
			}
			for _, id := range ids[1:] {
				chunks, err := store.GetChunks(ctx, id)
				if err != nil {
					t.Fatalf("GetChunks(%q): %v", id, err)
				}
				if len(chunks) != 0 {
					t.Fatalf("GetChunks(%q) returned %d chunks of %q", id, len(chunks), ids[0])
				}
			}
			for i, id := range ids[1:] {
				if err := store.PutDocument(ctx, id, testChunks(i+2)); err != nil {
					t.Fatalf("PutDocument(%q): %v", id, err)
				}
			}
			for i, id := range ids {
				chunks, err := store.GetChunks(ctx, id)
				if err != nil {
					t.Fatalf("GetChunks(%q): %v", id, err)
				}
				if len(chunks) != i+1 {
					t.Errorf("GetChunks(%q) = %d chunks, want %d", id, len(chunks), i+1)
				}
			}
		})
	}
}

func TestStoreRejectsInvalidDocuments(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dup := []Chunk{{Index: 0, Ciphertext: []byte{1}}, {Index: 0, Ciphertext: []byte{2}}}
			if err := store.PutDocument(ctx, "dup", dup); !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("duplicate index: got %v", err)
			}
			if err := store.PutDocument(ctx, "", testChunks(1)); !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("empty id: got %v", err)
			}
			if err := store.PutDocument(ctx, "empty-ct", []Chunk{{Index: 0}}); !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("missing ciphertext: got %v", err)
			}

			// Nothing partial is left behind.
			docs, err := store.ListDocuments(ctx)
			if err != nil {
				t.Fatalf("ListDocuments: %v", err)
			}
			if len(docs) != 0 {
				t.Errorf("invalid puts left documents: %+v", docs)
			}
		})
	}
}

func TestStoreMissingReducedVector(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			legacy := []Chunk{{Index: 0, Text: "old", Ciphertext: []byte{9}, Norm: 1, QNorm: 7}}
			if err := store.PutDocument(ctx, "legacy", legacy); err != nil {
				t.Fatalf("PutDocument: %v", err)
			}
			chunks, err := store.GetChunks(ctx, "legacy")
			if err != nil {
				t.Fatalf("GetChunks: %v", err)
			}
			if chunks[0].Reduced != nil {
				t.Errorf("Reduced = %v, want nil", chunks[0].Reduced)
			}
		})
	}
}

func TestStoreAppendLogs(t *testing.T) {
	overlap := 0.5
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				rec := eval.Record{
					ID:           strings.Repeat("e", i+1),
					DocumentID:   "doc",
					QueryHash:    audit.HashQuery("q"),
					TopK:         2,
					EncryptedTop: []int{0, 1},
					PlaintextTop: []int{1, 2},
					Overlap:      &overlap,
					Computable:   true,
					CreatedAt:    time.Now().UTC(),
				}
				if err := store.AppendEval(ctx, rec); err != nil {
					t.Fatalf("AppendEval: %v", err)
				}
			}
			arec := audit.New().Record("doc", audit.HashQuery("q"), search.Trace{CiphertextsTouched: 3, Multiplies: 32, Adds: 31})
			if err := store.AppendAudit(ctx, arec); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.EvalRecords != 2 || stats.AuditRecords != 1 {
				t.Errorf("Stats = %+v, want 2 eval and 1 audit record", stats)
			}
		})
	}
}

func TestSQLiteAuditRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	rec := audit.New().Record("doc", audit.HashQuery("q"), search.Trace{CiphertextsTouched: 5, Multiplies: 32, Adds: 31, ReducedDim: 32, Bits: 4})
	if err := store.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	recs, err := store.AuditsForDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("AuditsForDocument: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	got := recs[0]
	if got.ID != rec.ID || got.CiphertextsTouched != 5 || got.HomomorphicOps != rec.HomomorphicOps {
		t.Errorf("record = %+v, want %+v", got, rec)
	}
	if len(got.DecryptedOnly) != 1 || got.DecryptedOnly[0] != "similarity_scores" {
		t.Errorf("DecryptedOnly = %v", got.DecryptedOnly)
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store1.PutDocument(ctx, "../escape", testChunks(2)); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	// New instance simulates a restart.
	store2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	chunks, err := store2.GetChunks(ctx, "../escape")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks after reload, got %d", len(chunks))
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "documents", "*.json"))
	if len(matches) != 1 {
		t.Errorf("expected one document file inside the store, got %v", matches)
	}
}

func TestMinioKeys(t *testing.T) {
	if got := documentKey("a/b c"); got != "documents/a%2Fb%20c.json" {
		t.Errorf("documentKey = %s", got)
	}
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := logKey(auditPrefix, "id-1", at); got != "privacy_audits/2026/03/04/id-1.json" {
		t.Errorf("logKey = %s", got)
	}
}

// countingStore counts GetChunks calls that reach the backend.
type countingStore struct {
	Store
	gets int
}

func (c *countingStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	c.gets++
	return c.Store.GetChunks(ctx, documentID)
}

func TestCachedStoreServesHitsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	mem := cache.NewMemory(16, 0)
	s := NewCachedStore(inner, mem, nil)

	if err := s.PutDocument(ctx, "doc", testChunks(3)); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	for i := 0; i < 3; i++ {
		chunks, err := s.GetChunks(ctx, "doc")
		if err != nil {
			t.Fatalf("GetChunks: %v", err)
		}
		if len(chunks) != 3 || chunks[0].Index != 0 {
			t.Fatalf("chunks = %+v", chunks)
		}
	}
	if inner.gets != 1 {
		t.Fatalf("backend reads = %d, want 1", inner.gets)
	}

	if err := s.DeleteDocument(ctx, "doc"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	chunks, err := s.GetChunks(ctx, "doc")
	if err != nil {
		t.Fatalf("GetChunks after delete: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("deleted document still served from cache: %d chunks", len(chunks))
	}
}
