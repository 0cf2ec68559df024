// Package search ranks a document's encrypted chunks against a query.
//
// Chunks are prepared once at ingestion (reduce, quantize, encrypt). At query
// time the query is encrypted once and scored against every chunk with the
// homomorphic dot product; only the resulting scalar scores are decrypted.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/quantize"
	"github.com/opaque/cipherrag/pkg/reduce"
)

// DefaultK is the number of chunks returned when the caller asks for k <= 0.
const DefaultK = 4

// ErrNoContent is returned when a document has no encrypted chunks.
var ErrNoContent = errors.New("search: no indexed content")

// Prepared is everything persisted for one chunk.
type Prepared struct {
	Ciphertext crypto.Ciphertext
	Norm       float64
	QNorm      float64
	Reduced    []float64
}

// Query is a reduced and quantized query vector, not yet encrypted.
type Query struct {
	Reduced   []float64
	Quantized quantize.Vector
}

// Chunk is the part of a stored chunk the engine needs for scoring.
type Chunk struct {
	Index      int
	Ciphertext crypto.Ciphertext
	QNorm      float64
}

// Scored is one chunk's decrypted similarity.
type Scored struct {
	Index  int     `json:"chunk_index"`
	Score  float64 `json:"score"`
	RawDot int64   `json:"raw_dot"`
}

// Trace describes what one ranking touched. The auditor builds its record
// from it.
type Trace struct {
	CiphertextsTouched int
	ScoresDecrypted    int
	Multiplies         int
	Adds               int
	ReducedDim         int
	Bits               int
	Elapsed            time.Duration
}

// Ranking is the result of one encrypted query.
type Ranking struct {
	// Top holds at most k entries, best first.
	Top []Scored

	// All holds every chunk's score in input order.
	All []Scored

	Trace Trace
}

// Engine runs encrypted similarity search on a compiled crypto.Context.
type Engine struct {
	crypto  *crypto.Context
	workers int
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrentScores bounds the goroutines used to score one query.
func WithMaxConcurrentScores(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine. The circuit shape is taken from cc.
func NewEngine(cc *crypto.Context, opts ...Option) *Engine {
	e := &Engine{
		crypto:  cc,
		workers: runtime.NumCPU(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Circuit returns the circuit the engine scores with.
func (e *Engine) Circuit() crypto.Circuit { return e.crypto.Circuit() }

// PrepareQuery reduces and quantizes a query embedding.
func (e *Engine) PrepareQuery(embedding []float64) (Query, error) {
	circuit := e.crypto.Circuit()
	reduced, err := reduce.Reduce(embedding, circuit.ReducedDim)
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", crypto.ErrDomain, err)
	}
	q, err := quantize.Quantize(reduced, circuit.Bits)
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", crypto.ErrDomain, err)
	}
	return Query{Reduced: reduced, Quantized: q}, nil
}

// PrepareChunk reduces, quantizes and encrypts a chunk embedding.
func (e *Engine) PrepareChunk(embedding []float64) (Prepared, error) {
	q, err := e.PrepareQuery(embedding)
	if err != nil {
		return Prepared{}, err
	}
	ct, err := e.crypto.Encrypt(q.Quantized.Values)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{
		Ciphertext: ct,
		Norm:       q.Quantized.Norm,
		QNorm:      q.Quantized.QNorm,
		Reduced:    q.Reduced,
	}, nil
}

// Rank scores every chunk against query and returns the top k.
//
// Scores are rescaled with the integer-vector norms of both sides, which
// makes them the exact cosine of the quantized vectors. Context cancellation
// is observed between chunk evaluations; an evaluation that has begun runs to
// completion.
func (e *Engine) Rank(ctx context.Context, query Query, chunks []Chunk, k int) (Ranking, error) {
	if len(chunks) == 0 {
		return Ranking{}, ErrNoContent
	}

	start := time.Now()
	encQuery, err := e.crypto.Encrypt(query.Quantized.Values)
	if err != nil {
		return Ranking{}, fmt.Errorf("encrypt query: %w", err)
	}

	all := make([]Scored, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := e.score(encQuery, query.Quantized.QNorm, chunks[i])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunks[i].Index, err)
			}
			all[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Ranking{}, err
	}

	circuit := e.crypto.Circuit()
	r := Ranking{
		Top: TopK(all, k),
		All: all,
		Trace: Trace{
			CiphertextsTouched: len(chunks),
			ScoresDecrypted:    len(chunks),
			Multiplies:         circuit.Multiplies(),
			Adds:               circuit.Adds(),
			ReducedDim:         circuit.ReducedDim,
			Bits:               circuit.Bits,
			Elapsed:            time.Since(start),
		},
	}

	e.logger.Debug("ranked chunks",
		zap.Int("chunks", len(chunks)),
		zap.Int("k", len(r.Top)),
		zap.Duration("elapsed", r.Trace.Elapsed))
	return r, nil
}

func (e *Engine) score(query crypto.Ciphertext, queryNorm float64, chunk Chunk) (Scored, error) {
	enc, err := e.crypto.Evaluate(chunk.Ciphertext, query)
	if err != nil {
		return Scored{}, err
	}
	dot, err := e.crypto.Decrypt(enc)
	if err != nil {
		return Scored{}, err
	}
	return Scored{
		Index:  chunk.Index,
		Score:  float64(dot) / (chunk.QNorm*queryNorm + quantize.Epsilon),
		RawDot: dot,
	}, nil
}

// TopK returns the k best scores, highest first, ties broken by ascending
// chunk index. k <= 0 means DefaultK. The input is not modified.
func TopK(scores []Scored, k int) []Scored {
	if k <= 0 {
		k = DefaultK
	}
	sorted := make([]Scored, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Index < sorted[j].Index
	})
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// EffectiveK is the number of results a ranking over n chunks returns.
func EffectiveK(k, n int) int {
	if k <= 0 {
		k = DefaultK
	}
	if k > n {
		return n
	}
	return k
}
