// Package cipherrag provides retrieval over encrypted chunk embeddings.
//
// Chunk embeddings are reduced to a small fixed width, quantized to signed
// integers and encrypted under a BFV key. Queries are scored against the
// encrypted chunks with a homomorphic dot product; only the similarity
// scores are ever decrypted. Every query also yields a plaintext-baseline
// evaluation record and a privacy audit record.
//
// # Quick Start
//
//	db, err := cipherrag.NewDB(cipherrag.Config{ReducedDim: 32, Bits: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Compile the circuit (generates or loads keys, then calibrates)
//	if err := db.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	db.AddTexts(ctx, "handbook", paragraphs)
//	res, err := db.Retrieve(ctx, "handbook", "how long is parental leave?", 4)
//
// # Lifecycle
//
// NewDB only validates configuration. [DB.Open] compiles the encryption
// context, which for the BFV backend takes seconds. After Open returns,
// [DB.Add] and [DB.Retrieve] are safe for concurrent use.
package cipherrag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/embeddings"
	"github.com/opaque/cipherrag/pkg/search"
	"github.com/opaque/cipherrag/pkg/storage"
)

// StorageBackend selects where encrypted chunks are stored.
type StorageBackend int

const (
	// Memory stores all data in RAM. Fast but not persistent across restarts.
	Memory StorageBackend = iota

	// File stores one JSON file per document under [Config.StoragePath].
	File

	// SQLite stores chunks and logs in a database at [Config.StoragePath].
	SQLite
)

// Circuit backends.
const (
	BFV       = crypto.BFVName
	Simulated = crypto.SimulatedName
)

// Re-exported service types.
type (
	// Chunk is one chunk offered to [DB.Add]. A chunk without an embedding
	// is embedded with the configured Embedder.
	Chunk = service.ChunkInput

	// Result is one retrieval with its evaluation and audit records.
	Result = service.Result

	// RetrievedChunk is one ranked chunk.
	RetrievedChunk = service.RetrievedChunk

	// Embedder turns text into an embedding.
	Embedder = service.Embedder

	// Health reports readiness, circuit and store statistics.
	Health = service.HealthStatus
)

// Errors callers may want to match with errors.Is.
var (
	ErrNotOpen        = errors.New("cipherrag: database not open; call Open first")
	ErrClosed         = errors.New("cipherrag: database closed")
	ErrNoContent      = search.ErrNoContent
	ErrDocumentExists = storage.ErrDocumentExists
	ErrDomain         = crypto.ErrDomain
)

// Config controls the behavior of a [DB] instance. All fields have defaults.
type Config struct {
	// ReducedDim is the width embeddings are reduced to before encryption.
	// Default: 32.
	ReducedDim int

	// Bits is the quantization width, 2 to 16. Default: 4.
	Bits int

	// Backend is BFV or Simulated. Simulated does not encrypt and exists for
	// tests and demos. Default: BFV.
	Backend string

	// Workers bounds parallel homomorphic evaluations. Default: NumCPU.
	Workers int

	// Embedder embeds chunk and query text. Default: a hashing embedder of
	// width EmbeddingDim.
	Embedder Embedder

	// EmbeddingDim is the width of the default hashing embedder. Default: 256.
	EmbeddingDim int

	// Storage selects the chunk store. Default: Memory.
	Storage StorageBackend

	// StoragePath is the directory (File) or database file (SQLite).
	StoragePath string

	// KeyDir caches compiled keys across restarts. Empty disables caching,
	// so every Open generates fresh keys and stored ciphertexts from a
	// previous run become unreadable.
	KeyDir string

	// KeyPassphrase seals the cached secret key.
	KeyPassphrase string

	// Logger receives structured logs. Default: no logging.
	Logger *zap.Logger
}

type dbState int

const (
	stateNew    dbState = iota // Configured, not compiled.
	stateReady                 // Compiled and serving.
	stateClosed                // Closed; unusable.
)

// DB is an embedded encrypted retrieval engine.
type DB struct {
	cfg Config

	mu    sync.RWMutex
	state dbState
	store storage.Store
	svc   *service.RetrievalService
}

// NewDB validates cfg and returns an unopened DB. No keys are generated here.
func NewDB(cfg Config) (*DB, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &DB{cfg: cfg}, nil
}

// Open compiles the encryption context and opens the store. Calling Open on
// an open DB is a no-op.
func (db *DB) Open(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch db.state {
	case stateReady:
		return nil
	case stateClosed:
		return ErrClosed
	}

	store, err := db.openStore()
	if err != nil {
		return fmt.Errorf("cipherrag: %w", err)
	}
	cc, err := db.newContext()
	if err != nil {
		store.Close()
		return fmt.Errorf("cipherrag: %w", err)
	}

	svc := service.NewRetrievalService(service.DefaultConfig(), cc, store,
		service.WithEmbedder(db.cfg.Embedder),
		service.WithLogger(db.cfg.Logger))
	if err := cc.Compile(ctx); err != nil {
		store.Close()
		return fmt.Errorf("cipherrag: %w", err)
	}

	db.store = store
	db.svc = svc
	db.state = stateReady
	return nil
}

func (db *DB) ready() (*service.RetrievalService, error) {
	switch db.state {
	case stateNew:
		return nil, ErrNotOpen
	case stateClosed:
		return nil, ErrClosed
	}
	return db.svc, nil
}

// Add encrypts and stores a document. Documents are write-once; adding an
// existing id fails with ErrDocumentExists.
func (db *DB) Add(ctx context.Context, documentID string, chunks []Chunk) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	svc, err := db.ready()
	if err != nil {
		return err
	}
	_, err = svc.Ingest(ctx, documentID, chunks)
	return err
}

// AddTexts is Add with one chunk per text.
func (db *DB) AddTexts(ctx context.Context, documentID string, texts []string) error {
	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{Text: t}
	}
	return db.Add(ctx, documentID, chunks)
}

// Retrieve returns the k chunks of documentID most similar to question.
// k <= 0 selects the default of 4.
func (db *DB) Retrieve(ctx context.Context, documentID, question string, k int) (*Result, error) {
	return db.retrieve(ctx, service.Query{DocumentID: documentID, Question: question, K: k})
}

// RetrieveEmbedding is Retrieve with a precomputed query embedding.
func (db *DB) RetrieveEmbedding(ctx context.Context, documentID string, embedding []float64, k int) (*Result, error) {
	return db.retrieve(ctx, service.Query{DocumentID: documentID, Embedding: embedding, K: k})
}

func (db *DB) retrieve(ctx context.Context, q service.Query) (*Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	svc, err := db.ready()
	if err != nil {
		return nil, err
	}
	return svc.Retrieve(ctx, q)
}

// Delete removes a document and its chunks.
func (db *DB) Delete(ctx context.Context, documentID string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	svc, err := db.ready()
	if err != nil {
		return err
	}
	return svc.DeleteDocument(ctx, documentID)
}

// Health returns the engine status.
func (db *DB) Health(ctx context.Context) (*Health, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	svc, err := db.ready()
	if err != nil {
		return nil, err
	}
	return svc.Health(ctx)
}

// IsReady reports whether Open has completed.
func (db *DB) IsReady() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state == stateReady
}

// Close releases the store. The DB must not be used after Close.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var err error
	if db.store != nil {
		err = db.store.Close()
		db.store = nil
	}
	db.svc = nil
	db.state = stateClosed
	return err
}

func (db *DB) openStore() (storage.Store, error) {
	switch db.cfg.Storage {
	case Memory:
		return storage.NewMemoryStore(), nil
	case File:
		return storage.NewFileStore(db.cfg.StoragePath)
	case SQLite:
		if err := os.MkdirAll(filepath.Dir(db.cfg.StoragePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return storage.NewSQLiteStore(db.cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %d", db.cfg.Storage)
	}
}

func (db *DB) newContext() (*crypto.Context, error) {
	var backend crypto.Backend
	switch db.cfg.Backend {
	case Simulated:
		backend = crypto.NewSimulated()
	case BFV:
		b, err := crypto.NewBFV(db.cfg.Workers)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	opts := []crypto.Option{crypto.WithLogger(db.cfg.Logger)}
	if db.cfg.KeyDir != "" {
		opts = append(opts, crypto.WithKeyCache(crypto.NewKeyCache(db.cfg.KeyDir, db.cfg.KeyPassphrase, db.cfg.Logger)))
	}
	return crypto.NewContext(crypto.Circuit{ReducedDim: db.cfg.ReducedDim, Bits: db.cfg.Bits}, backend, opts...)
}

// applyDefaults fills zero-value fields.
func applyDefaults(cfg *Config) {
	if cfg.ReducedDim <= 0 {
		cfg.ReducedDim = 32
	}
	if cfg.Bits <= 0 {
		cfg.Bits = 4
	}
	if cfg.Backend == "" {
		cfg.Backend = BFV
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 256
	}
	if cfg.Embedder == nil {
		cfg.Embedder = embeddings.NewHashing(cfg.EmbeddingDim)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// validateConfig checks that the config values are consistent.
func validateConfig(cfg *Config) error {
	circuit := crypto.Circuit{ReducedDim: cfg.ReducedDim, Bits: cfg.Bits}
	if err := circuit.Validate(); err != nil {
		return fmt.Errorf("cipherrag: %w", err)
	}
	if cfg.Backend != BFV && cfg.Backend != Simulated {
		return fmt.Errorf("cipherrag: Backend must be %q or %q, got %q", BFV, Simulated, cfg.Backend)
	}
	if cfg.EmbeddingDim < cfg.ReducedDim {
		return fmt.Errorf("cipherrag: EmbeddingDim (%d) must be >= ReducedDim (%d)", cfg.EmbeddingDim, cfg.ReducedDim)
	}
	if (cfg.Storage == File || cfg.Storage == SQLite) && cfg.StoragePath == "" {
		return fmt.Errorf("cipherrag: StoragePath is required for file and sqlite storage")
	}
	if cfg.Storage < Memory || cfg.Storage > SQLite {
		return fmt.Errorf("cipherrag: unknown storage backend %d", cfg.Storage)
	}
	return nil
}
