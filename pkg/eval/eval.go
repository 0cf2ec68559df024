// Package eval measures what encryption costs in retrieval quality. For each
// query it re-ranks the same chunks in plaintext from their reduced vectors
// and compares the two rankings.
package eval

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/opaque/cipherrag/pkg/quantize"
	"github.com/opaque/cipherrag/pkg/search"
)

// Record is the per-query comparison between the encrypted and plaintext
// rankings. Overlap and RankCorrelation are nil when not computable.
type Record struct {
	ID               string        `json:"id"`
	DocumentID       string        `json:"document_id"`
	QueryHash        string        `json:"query_hash"`
	TopK             int           `json:"top_k"`
	EncryptedTop     []int         `json:"encrypted_top"`
	PlaintextTop     []int         `json:"plaintext_top"`
	Overlap          *float64      `json:"overlap_ratio"`
	RankCorrelation  *float64      `json:"rank_correlation"`
	Computable       bool          `json:"computable"`
	EncryptedLatency time.Duration `json:"encrypted_latency_ns"`
	PlaintextLatency time.Duration `json:"plaintext_latency_ns"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Baseline is a stored chunk's plaintext reduced vector. Reduced is nil for
// chunks ingested without one.
type Baseline struct {
	Index   int
	Reduced []float64
}

// Input is everything one evaluation needs.
type Input struct {
	DocumentID string
	QueryHash  string
	Query      []float64
	K          int
	Ranking    search.Ranking
	Chunks     []Baseline
}

// Evaluator builds eval records.
type Evaluator struct {
	logger *zap.Logger
	now    func() time.Time
}

// New returns an Evaluator.
func New(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger, now: time.Now}
}

// Evaluate computes the plaintext baseline for in and compares it with the
// encrypted ranking. A missing reduced vector on any chunk downgrades the
// record to not computable; it never fails.
func (e *Evaluator) Evaluate(in Input) Record {
	k := search.EffectiveK(in.K, len(in.Chunks))

	start := time.Now()
	plain, computable := PlaintextScores(in.Query, in.Chunks)
	plainTop := search.TopK(plain, k)
	plainLatency := time.Since(start)

	rec := Record{
		ID:               uuid.NewString(),
		DocumentID:       in.DocumentID,
		QueryHash:        in.QueryHash,
		TopK:             k,
		EncryptedTop:     indices(in.Ranking.Top),
		PlaintextTop:     indices(plainTop),
		Computable:       computable,
		EncryptedLatency: in.Ranking.Trace.Elapsed,
		PlaintextLatency: plainLatency,
		CreatedAt:        e.now().UTC(),
	}
	if !computable {
		e.logger.Warn("plaintext baseline not computable; chunks lack reduced vectors",
			zap.String("document_id", in.DocumentID))
		return rec
	}

	overlap := Overlap(rec.EncryptedTop, rec.PlaintextTop, k)
	rec.Overlap = &overlap

	if rho, ok := Spearman(scoresByIndex(in.Ranking.All), scoresByIndex(plain)); ok {
		rec.RankCorrelation = &rho
	}
	return rec
}

// PlaintextScores returns the cosine similarity of query against every
// chunk's reduced vector, in chunk order. If any chunk lacks a reduced
// vector, every score is zero and ok is false.
func PlaintextScores(query []float64, chunks []Baseline) (scores []search.Scored, ok bool) {
	scores = make([]search.Scored, len(chunks))
	for i, c := range chunks {
		scores[i].Index = c.Index
	}
	for _, c := range chunks {
		if len(c.Reduced) == 0 || len(c.Reduced) != len(query) {
			return scores, false
		}
	}

	qn := floats.Norm(query, 2)
	for i, c := range chunks {
		scores[i].Score = floats.Dot(query, c.Reduced) / (qn*floats.Norm(c.Reduced, 2) + quantize.Epsilon)
	}
	return scores, true
}

// Overlap is |a ∩ b| / k. It is zero when k is zero.
func Overlap(a, b []int, k int) float64 {
	if k <= 0 {
		return 0
	}
	seen := make(map[int]struct{}, len(a))
	for _, i := range a {
		seen[i] = struct{}{}
	}
	n := 0
	for _, i := range b {
		if _, ok := seen[i]; ok {
			n++
			delete(seen, i)
		}
	}
	return float64(n) / float64(k)
}

// Spearman returns the rank correlation of a and b, with tied values given
// their average rank. ok is false when fewer than two pairs exist, the
// lengths differ, or either list is constant.
func Spearman(a, b []float64) (rho float64, ok bool) {
	if len(a) < 2 || len(a) != len(b) || constant(a) || constant(b) {
		return 0, false
	}
	return stat.Correlation(ranks(a), ranks(b), nil), true
}

// ranks assigns 1-based ranks, averaging over ties.
func ranks(x []float64) []float64 {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return x[order[i]] < x[order[j]] })

	out := make([]float64, len(x))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && x[order[j+1]] == x[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for m := i; m <= j; m++ {
			out[order[m]] = avg
		}
		i = j + 1
	}
	return out
}

func constant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

func indices(s []search.Scored) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = v.Index
	}
	return out
}

// scoresByIndex orders scores by chunk index so both lists line up.
func scoresByIndex(s []search.Scored) []float64 {
	sorted := make([]search.Scored, len(s))
	copy(sorted, s)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	out := make([]float64, len(sorted))
	for i, v := range sorted {
		out[i] = v.Score
	}
	return out
}
