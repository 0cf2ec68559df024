// Package storage persists encrypted chunks and the append-only eval and
// audit logs.
//
// A document's chunks are written once, as one unit, and never updated.
// Deleting a document removes its chunks. Eval and audit records are only
// ever appended.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
)

// Common errors for chunk stores.
var (
	ErrDocumentExists   = errors.New("document already exists")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidDocument  = errors.New("invalid document")
)

// Chunk is one encrypted chunk of a document.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Index      int    `json:"chunk_index"`

	// Text is the display text, kept in the clear.
	Text string `json:"text"`

	// Ciphertext is the serialized encrypted quantized vector.
	Ciphertext []byte `json:"ciphertext"`

	// Norm is the L2 norm of the reduced vector.
	Norm float64 `json:"norm"`

	// QNorm is the L2 norm of the quantized integer vector.
	QNorm float64 `json:"qnorm"`

	// Reduced is the plaintext reduced vector kept for the hybrid
	// evaluation baseline. Nil for chunks ingested without one.
	Reduced []float64 `json:"reduced,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DocumentInfo summarizes a stored document.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats contains statistics about a store.
type Stats struct {
	Documents       int64 `json:"documents"`
	Chunks          int64 `json:"chunks"`
	CiphertextBytes int64 `json:"ciphertext_bytes"`
	EvalRecords     int64 `json:"eval_records"`
	AuditRecords    int64 `json:"audit_records"`
}

// ChunkStore holds documents' encrypted chunks.
type ChunkStore interface {
	// PutDocument stores all chunks of a new document atomically. Returns
	// ErrDocumentExists if the document is already stored.
	PutDocument(ctx context.Context, documentID string, chunks []Chunk) error

	// GetChunks returns a document's chunks ordered by index. An unknown
	// document has no chunks.
	GetChunks(ctx context.Context, documentID string) ([]Chunk, error)

	// DeleteDocument removes a document and all of its chunks. Returns
	// ErrDocumentNotFound if it does not exist.
	DeleteDocument(ctx context.Context, documentID string) error

	// ListDocuments returns every stored document, ordered by ID.
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)

	// Stats returns overall store statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the store.
	Close() error
}

// EvalSink appends eval records.
type EvalSink interface {
	AppendEval(ctx context.Context, rec eval.Record) error
}

// AuditSink appends audit records.
type AuditSink interface {
	AppendAudit(ctx context.Context, rec audit.Record) error
}

// Store is a backend holding chunks and both logs.
type Store interface {
	ChunkStore
	EvalSink
	AuditSink
}

// document is the unit written by object and file backends.
type document struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Chunks    []Chunk   `json:"chunks"`
}

// prepareChunks validates chunks and stamps them with documentID and now.
// It returns copies sorted by index.
func prepareChunks(documentID string, chunks []Chunk, now time.Time) ([]Chunk, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidDocument)
	}
	out := make([]Chunk, len(chunks))
	seen := make(map[int]bool, len(chunks))
	for i, c := range chunks {
		if seen[c.Index] {
			return nil, fmt.Errorf("%w: duplicate chunk index %d", ErrInvalidDocument, c.Index)
		}
		if len(c.Ciphertext) == 0 {
			return nil, fmt.Errorf("%w: chunk %d has no ciphertext", ErrInvalidDocument, c.Index)
		}
		seen[c.Index] = true
		c.DocumentID = documentID
		c.CreatedAt = now
		out[i] = c
	}
	sortChunks(out)
	return out, nil
}

func sortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
}

func ciphertextBytes(chunks []Chunk) int64 {
	var n int64
	for _, c := range chunks {
		n += int64(len(c.Ciphertext))
	}
	return n
}

func marshalDocument(doc document) ([]byte, error) {
	return json.Marshal(doc)
}

func unmarshalDocument(data []byte) (document, error) {
	var doc document
	err := json.Unmarshal(data, &doc)
	return doc, err
}
