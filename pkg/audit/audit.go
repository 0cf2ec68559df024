// Package audit records, per query, proof that decryption was confined to
// similarity scores.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/opaque/cipherrag/pkg/search"
)

// decryptedOnly lists every category of value the pipeline decrypts. Adding
// a decryption anywhere else must change this literal.
var decryptedOnly = []string{"similarity_scores"}

// DecryptedCategories returns a copy of the decrypted value categories.
func DecryptedCategories() []string {
	out := make([]string, len(decryptedOnly))
	copy(out, decryptedOnly)
	return out
}

// HomomorphicOps counts the operations of one circuit evaluation.
type HomomorphicOps struct {
	Multiply int `json:"multiply"`
	Add      int `json:"add"`
}

// Record is the immutable audit artifact for one query.
type Record struct {
	ID                 string         `json:"id"`
	DocumentID         string         `json:"document_id"`
	QueryHash          string         `json:"query_hash"`
	CiphertextsTouched int            `json:"ciphertexts_touched"`
	HomomorphicOps     HomomorphicOps `json:"homomorphic_ops"`
	ReducedDim         int            `json:"reduced_dim"`
	QuantizationBits   int            `json:"quantization_bits"`
	DecryptedOnly      []string       `json:"decrypted_only"`
	CreatedAt          time.Time      `json:"created_at"`
}

// HashQuery returns the hex SHA-256 of the query text.
func HashQuery(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])
}

// Auditor derives audit records from ranking traces.
type Auditor struct {
	now func() time.Time
}

// New returns an Auditor.
func New() *Auditor {
	return &Auditor{now: time.Now}
}

// Record builds the audit record for one completed ranking.
func (a *Auditor) Record(documentID, queryHash string, trace search.Trace) Record {
	return Record{
		ID:                 uuid.NewString(),
		DocumentID:         documentID,
		QueryHash:          queryHash,
		CiphertextsTouched: trace.CiphertextsTouched,
		HomomorphicOps: HomomorphicOps{
			Multiply: trace.Multiplies,
			Add:      trace.Adds,
		},
		ReducedDim:       trace.ReducedDim,
		QuantizationBits: trace.Bits,
		DecryptedOnly:    DecryptedCategories(),
		CreatedAt:        a.now().UTC(),
	}
}
