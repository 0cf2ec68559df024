package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes
// the schema. Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// Foreign keys are a per-connection setting; the DSN applies it to
	// every connection in the pool.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS encrypted_chunks (
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		norm REAL NOT NULL,
		qnorm REAL NOT NULL,
		reduced TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS eval_logs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		top_k INTEGER NOT NULL,
		encrypted_top TEXT NOT NULL,
		plaintext_top TEXT NOT NULL,
		overlap_ratio REAL,
		rank_correlation REAL,
		computable INTEGER NOT NULL,
		encrypted_latency_ns INTEGER NOT NULL,
		plaintext_latency_ns INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_eval_logs_document_id ON eval_logs(document_id);

	CREATE TABLE IF NOT EXISTS privacy_audits (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		ciphertexts_touched INTEGER NOT NULL,
		multiply_ops INTEGER NOT NULL,
		add_ops INTEGER NOT NULL,
		reduced_dim INTEGER NOT NULL,
		quantization_bits INTEGER NOT NULL,
		decrypted_only TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_privacy_audits_document_id ON privacy_audits(document_id);
	`
	_, err := db.Exec(schema)
	return err
}

// PutDocument inserts the document row and all chunk rows in one transaction.
func (s *SQLiteStore) PutDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	now := time.Now().UTC()
	prepared, err := prepareChunks(documentID, chunks, now)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, created_at) VALUES (?, ?)`, documentID, now); err != nil {
		if isUniqueViolation(err) {
			return ErrDocumentExists
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO encrypted_chunks (document_id, chunk_index, text, ciphertext, norm, qnorm, reduced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range prepared {
		var reduced sql.NullString
		if c.Reduced != nil {
			b, err := json.Marshal(c.Reduced)
			if err != nil {
				return fmt.Errorf("failed to marshal reduced vector: %w", err)
			}
			reduced = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			c.DocumentID, c.Index, c.Text, c.Ciphertext, c.Norm, c.QNorm, reduced, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, text, ciphertext, norm, qnorm, reduced, created_at
		 FROM encrypted_chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		var reduced sql.NullString
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Text, &c.Ciphertext, &c.Norm, &c.QNorm, &reduced, &c.CreatedAt); err != nil {
			return nil, err
		}
		if reduced.Valid {
			if err := json.Unmarshal([]byte(reduced.String), &c.Reduced); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reduced vector: %w", err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.created_at,
			(SELECT COUNT(*) FROM encrypted_chunks c WHERE c.document_id = d.id)
		 FROM documents d ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []DocumentInfo{}
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.Chunks); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM encrypted_chunks),
			(SELECT COALESCE(SUM(LENGTH(ciphertext)), 0) FROM encrypted_chunks),
			(SELECT COUNT(*) FROM eval_logs),
			(SELECT COUNT(*) FROM privacy_audits)`,
	).Scan(&stats.Documents, &stats.Chunks, &stats.CiphertextBytes, &stats.EvalRecords, &stats.AuditRecords)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *SQLiteStore) AppendEval(ctx context.Context, rec eval.Record) error {
	encTop, err := json.Marshal(rec.EncryptedTop)
	if err != nil {
		return err
	}
	plainTop, err := json.Marshal(rec.PlaintextTop)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO eval_logs (id, document_id, query_hash, top_k, encrypted_top, plaintext_top,
			overlap_ratio, rank_correlation, computable, encrypted_latency_ns, plaintext_latency_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.QueryHash, rec.TopK, string(encTop), string(plainTop),
		nullFloat(rec.Overlap), nullFloat(rec.RankCorrelation), rec.Computable,
		rec.EncryptedLatency.Nanoseconds(), rec.PlaintextLatency.Nanoseconds(), rec.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec audit.Record) error {
	decrypted, err := json.Marshal(rec.DecryptedOnly)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO privacy_audits (id, document_id, query_hash, ciphertexts_touched, multiply_ops, add_ops,
			reduced_dim, quantization_bits, decrypted_only, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.QueryHash, rec.CiphertextsTouched,
		rec.HomomorphicOps.Multiply, rec.HomomorphicOps.Add,
		rec.ReducedDim, rec.QuantizationBits, string(decrypted), rec.CreatedAt,
	)
	return err
}

// AuditsForDocument returns a document's audit records, oldest first.
func (s *SQLiteStore) AuditsForDocument(ctx context.Context, documentID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, query_hash, ciphertexts_touched, multiply_ops, add_ops,
			reduced_dim, quantization_bits, decrypted_only, created_at
		 FROM privacy_audits WHERE document_id = ? ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []audit.Record
	for rows.Next() {
		var rec audit.Record
		var decrypted string
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.QueryHash, &rec.CiphertextsTouched,
			&rec.HomomorphicOps.Multiply, &rec.HomomorphicOps.Add,
			&rec.ReducedDim, &rec.QuantizationBits, &decrypted, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(decrypted), &rec.DecryptedOnly); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decrypted_only: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
