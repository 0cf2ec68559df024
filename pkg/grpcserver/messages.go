package grpcserver

import (
	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
	"github.com/opaque/cipherrag/pkg/storage"
)

// ChunkMessage is one chunk offered for ingestion.
type ChunkMessage struct {
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding,omitempty"`
}

type IngestRequest struct {
	DocumentID string         `json:"document_id"`
	Chunks     []ChunkMessage `json:"chunks"`
}

type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

type RetrieveRequest struct {
	DocumentID string    `json:"document_id"`
	Question   string    `json:"question"`
	Embedding  []float64 `json:"embedding,omitempty"`
	K          int       `json:"k,omitempty"`
}

type RetrieveResponse struct {
	Chunks []service.RetrievedChunk `json:"chunks"`
	Eval   eval.Record              `json:"eval"`
	Audit  audit.Record             `json:"audit"`
}

type DeleteDocumentRequest struct {
	DocumentID string `json:"document_id"`
}

type DeleteDocumentResponse struct{}

type ListDocumentsRequest struct{}

type ListDocumentsResponse struct {
	Documents []storage.DocumentInfo `json:"documents"`
}

type GenerateKeyPairRequest struct{}

// GenerateKeyPairResponse carries freshly generated key material. The server
// keeps no copy.
type GenerateKeyPairResponse struct {
	PublicKey []byte `json:"public_key"`
	SecretKey []byte `json:"secret_key"`
}
