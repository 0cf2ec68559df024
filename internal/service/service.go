// Package service implements the encrypted retrieval service: ingestion of
// encrypted chunks and per-query encrypted ranking with evaluation and
// privacy audit records.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/eval"
	"github.com/opaque/cipherrag/pkg/search"
	"github.com/opaque/cipherrag/pkg/storage"
)

var (
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("service: invalid request")

	// ErrNoEmbedding is returned when a query has no embedding and no
	// embedder is configured.
	ErrNoEmbedding = errors.New("service: query has no embedding and no embedder is configured")
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds service configuration.
type Config struct {
	DefaultK int
	MaxK     int

	// MaxConcurrentScores bounds per-query scoring goroutines.
	MaxConcurrentScores int

	// CompileMaxElapsed bounds the startup compile retries.
	CompileMaxElapsed time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultK:          search.DefaultK,
		MaxK:              50,
		CompileMaxElapsed: 5 * time.Minute,
	}
}

// Option configures a RetrievalService.
type Option func(*RetrievalService)

// WithEmbedder sets the embedder used when requests carry text only.
func WithEmbedder(e Embedder) Option {
	return func(s *RetrievalService) { s.embedder = e }
}

// WithEvalSink sets where eval records go. Defaults to the chunk store when
// it implements storage.EvalSink.
func WithEvalSink(sink storage.EvalSink) Option {
	return func(s *RetrievalService) { s.evals = sink }
}

// WithAuditSink sets where audit records go. Defaults to the chunk store
// when it implements storage.AuditSink.
func WithAuditSink(sink storage.AuditSink) Option {
	return func(s *RetrievalService) { s.audits = sink }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *RetrievalService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// RetrievalService ties the encryption context, ranking engine, evaluator and
// auditor to a chunk store.
type RetrievalService struct {
	config    Config
	crypto    *crypto.Context
	engine    *search.Engine
	evaluator *eval.Evaluator
	auditor   *audit.Auditor
	chunks    storage.ChunkStore
	evals     storage.EvalSink
	audits    storage.AuditSink
	embedder  Embedder
	logger    *zap.Logger
}

// NewRetrievalService creates a service. The context is compiled by Start.
func NewRetrievalService(cfg Config, cc *crypto.Context, chunks storage.ChunkStore, opts ...Option) *RetrievalService {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = search.DefaultK
	}
	if cfg.MaxK < cfg.DefaultK {
		cfg.MaxK = cfg.DefaultK
	}

	s := &RetrievalService{
		config:  cfg,
		crypto:  cc,
		auditor: audit.New(),
		chunks:  chunks,
		logger:  zap.NewNop(),
	}
	if sink, ok := chunks.(storage.EvalSink); ok {
		s.evals = sink
	}
	if sink, ok := chunks.(storage.AuditSink); ok {
		s.audits = sink
	}
	for _, opt := range opts {
		opt(s)
	}

	engineOpts := []search.Option{search.WithLogger(s.logger)}
	if cfg.MaxConcurrentScores > 0 {
		engineOpts = append(engineOpts, search.WithMaxConcurrentScores(cfg.MaxConcurrentScores))
	}
	s.engine = search.NewEngine(cc, engineOpts...)
	s.evaluator = eval.New(s.logger)
	return s
}

// Start compiles the encryption context, retrying with exponential backoff.
// The service cannot serve until it returns nil.
func (s *RetrievalService) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.config.CompileMaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := s.crypto.Compile(ctx)
		if err != nil && (ctx.Err() != nil || errors.Is(err, crypto.ErrCapacity)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("circuit compilation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("compile encryption context: %w", err)
	}
	s.logger.Info("retrieval service ready",
		zap.String("backend", s.crypto.Backend()),
		zap.String("circuit", s.crypto.Circuit().String()),
		zap.String("key_fingerprint", s.crypto.Fingerprint()))
	return nil
}

// Ready reports whether the encryption context is compiled.
func (s *RetrievalService) Ready() bool {
	return s.crypto.Compiled()
}

// ChunkInput is one chunk offered for ingestion. If Embedding is empty the
// configured embedder embeds Text.
type ChunkInput struct {
	Text      string
	Embedding []float64
}

// IngestResult summarizes one ingestion.
type IngestResult struct {
	DocumentID string
	Chunks     int
	Elapsed    time.Duration
}

// Ingest encrypts and stores a document's chunks as one unit.
func (s *RetrievalService) Ingest(ctx context.Context, documentID string, inputs []ChunkInput) (*IngestResult, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if !s.Ready() {
		return nil, crypto.ErrNotCompiled
	}

	start := time.Now()
	chunks := make([]storage.Chunk, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		embedding, err := s.embedding(ctx, in.Text, in.Embedding)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		p, err := s.engine.PrepareChunk(embedding)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks[i] = storage.Chunk{
			Index:      i,
			Text:       in.Text,
			Ciphertext: p.Ciphertext.Bytes(),
			Norm:       p.Norm,
			QNorm:      p.QNorm,
			Reduced:    p.Reduced,
		}
	}

	if err := s.chunks.PutDocument(ctx, documentID, chunks); err != nil {
		return nil, fmt.Errorf("store document %s: %w", documentID, err)
	}

	res := &IngestResult{DocumentID: documentID, Chunks: len(chunks), Elapsed: time.Since(start)}
	s.logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.Int("chunks", res.Chunks),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Query is one retrieval request.
type Query struct {
	DocumentID string
	Question   string
	Embedding  []float64
	K          int
}

// RetrievedChunk is one ranked chunk returned to the caller.
type RetrievedChunk struct {
	Index int     `json:"chunk_index"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Chunks []RetrievedChunk `json:"chunks"`
	Eval   eval.Record      `json:"eval"`
	Audit  audit.Record     `json:"audit"`
}

// Retrieve ranks a document's chunks against q on encrypted data. Eval and
// audit records are written after ranking completes; failures to write them
// are logged and do not fail the request.
func (s *RetrievalService) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if !s.Ready() {
		return nil, crypto.ErrNotCompiled
	}
	k := s.clampK(q.K)

	stored, err := s.chunks.GetChunks(ctx, q.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(stored) == 0 {
		return nil, search.ErrNoContent
	}

	embedding, err := s.embedding(ctx, q.Question, q.Embedding)
	if err != nil {
		return nil, err
	}
	query, err := s.engine.PrepareQuery(embedding)
	if err != nil {
		return nil, err
	}

	chunks := make([]search.Chunk, len(stored))
	baselines := make([]eval.Baseline, len(stored))
	texts := make(map[int]string, len(stored))
	for i, c := range stored {
		ct, err := crypto.ParseCiphertext(c.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		chunks[i] = search.Chunk{Index: c.Index, Ciphertext: ct, QNorm: c.QNorm}
		baselines[i] = eval.Baseline{Index: c.Index, Reduced: c.Reduced}
		texts[c.Index] = c.Text
	}

	ranking, err := s.engine.Rank(ctx, query, chunks, k)
	if err != nil {
		return nil, err
	}

	queryHash := audit.HashQuery(q.Question)
	res := &Result{
		Chunks: make([]RetrievedChunk, len(ranking.Top)),
		Eval: s.evaluator.Evaluate(eval.Input{
			DocumentID: q.DocumentID,
			QueryHash:  queryHash,
			Query:      query.Reduced,
			K:          k,
			Ranking:    ranking,
			Chunks:     baselines,
		}),
		Audit: s.auditor.Record(q.DocumentID, queryHash, ranking.Trace),
	}
	for i, sc := range ranking.Top {
		res.Chunks[i] = RetrievedChunk{Index: sc.Index, Text: texts[sc.Index], Score: sc.Score}
	}

	s.record(context.WithoutCancel(ctx), res)
	return res, nil
}

// record persists the eval and audit records, best effort.
func (s *RetrievalService) record(ctx context.Context, res *Result) {
	if s.evals != nil {
		if err := s.evals.AppendEval(ctx, res.Eval); err != nil {
			s.logger.Warn("failed to persist eval record",
				zap.String("eval_id", res.Eval.ID), zap.Error(err))
		}
	}
	if s.audits != nil {
		if err := s.audits.AppendAudit(ctx, res.Audit); err != nil {
			s.logger.Warn("failed to persist audit record",
				zap.String("audit_id", res.Audit.ID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("document_id", res.Audit.DocumentID),
		zap.Int("ciphertexts_touched", res.Audit.CiphertextsTouched),
		zap.Duration("encrypted_latency", res.Eval.EncryptedLatency),
		zap.Duration("plaintext_latency", res.Eval.PlaintextLatency),
	}
	if res.Eval.Overlap != nil {
		fields = append(fields, zap.Float64("overlap_ratio", *res.Eval.Overlap))
	}
	s.logger.Info("query served", fields...)
}

func (s *RetrievalService) embedding(ctx context.Context, text string, given []float64) ([]float64, error) {
	if len(given) > 0 {
		return given, nil
	}
	if s.embedder == nil {
		return nil, ErrNoEmbedding
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text or embedding is required", ErrInvalidRequest)
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	return emb, nil
}

func (s *RetrievalService) clampK(k int) int {
	if k <= 0 {
		return s.config.DefaultK
	}
	if k > s.config.MaxK {
		return s.config.MaxK
	}
	return k
}

// DeleteDocument removes a document and its chunks.
func (s *RetrievalService) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	return s.chunks.DeleteDocument(ctx, documentID)
}

// Documents lists stored documents.
func (s *RetrievalService) Documents(ctx context.Context) ([]storage.DocumentInfo, error) {
	return s.chunks.ListDocuments(ctx)
}

// GenerateKeyPair returns a fresh key pair under the circuit parameters.
// The service keeps no copy.
func (s *RetrievalService) GenerateKeyPair() (crypto.KeyPair, error) {
	return s.crypto.GenerateKeyPair()
}

// HealthStatus reports service state.
type HealthStatus struct {
	Ready          bool           `json:"ready"`
	Backend        string         `json:"backend"`
	Circuit        string         `json:"circuit"`
	KeyFingerprint string         `json:"key_fingerprint,omitempty"`
	Usage          crypto.Usage   `json:"usage"`
	Store          *storage.Stats `json:"store,omitempty"`
}

// Health returns the current service status.
func (s *RetrievalService) Health(ctx context.Context) (*HealthStatus, error) {
	stats, err := s.chunks.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return &HealthStatus{
		Ready:          s.Ready(),
		Backend:        s.crypto.Backend(),
		Circuit:        s.crypto.Circuit().String(),
		KeyFingerprint: s.crypto.Fingerprint(),
		Usage:          s.crypto.Usage(),
		Store:          stats,
	}, nil
}
