package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/eval"
)

const (
	documentPrefix = "documents/"
	evalPrefix     = "eval_logs/"
	auditPrefix    = "privacy_audits/"
)

// errObjectNotFound is returned by objectAPI implementations for missing keys.
var errObjectNotFound = errors.New("object not found")

// objectAPI is the subset of an S3-compatible client the store needs.
type objectAPI interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	exists(ctx context.Context, key string) (bool, error)
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// MinioStore implements Store on an S3-compatible bucket. Each document is a
// single object, so a document is either fully visible or absent. Log records
// are one object each under a date prefix.
type MinioStore struct {
	objects objectAPI

	// mu serializes the exists-then-put in PutDocument within this process.
	mu sync.Mutex
}

// NewMinioStore connects to cfg.Endpoint and creates the bucket if needed.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{objects: &minioObjects{client: client, bucket: cfg.Bucket}}, nil
}

func documentKey(id string) string {
	return documentPrefix + url.PathEscape(id) + ".json"
}

func logKey(prefix, id string, at time.Time) string {
	return path.Join(prefix, at.UTC().Format("2006/01/02"), id+".json")
}

func (s *MinioStore) PutDocument(ctx context.Context, documentID string, chunks []Chunk) error {
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

	key := documentKey(documentID)
	exists, err := s.objects.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDocumentExists
	}
	return s.objects.put(ctx, key, data)
}

func (s *MinioStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	data, err := s.objects.get(ctx, documentKey(documentID))
	if errors.Is(err, errObjectNotFound) {
		return []Chunk{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := unmarshalDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document %s: %w", documentID, err)
	}
	sortChunks(doc.Chunks)
	return doc.Chunks, nil
}

func (s *MinioStore) DeleteDocument(ctx context.Context, documentID string) error {
	key := documentKey(documentID)
	exists, err := s.objects.exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrDocumentNotFound
	}
	return s.objects.remove(ctx, key)
}

func (s *MinioStore) documents(ctx context.Context) ([]document, error) {
	keys, err := s.objects.list(ctx, documentPrefix)
	if err != nil {
		return nil, err
	}
	docs := make([]document, 0, len(keys))
	for _, key := range keys {
		data, err := s.objects.get(ctx, key)
		if errors.Is(err, errObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		doc, err := unmarshalDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", key, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *MinioStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	docs, err := s.documents(ctx)
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

func (s *MinioStore) Stats(ctx context.Context) (*Stats, error) {
	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Documents: int64(len(docs))}
	for _, doc := range docs {
		stats.Chunks += int64(len(doc.Chunks))
		stats.CiphertextBytes += ciphertextBytes(doc.Chunks)
	}

	evals, err := s.objects.list(ctx, evalPrefix)
	if err != nil {
		return nil, err
	}
	audits, err := s.objects.list(ctx, auditPrefix)
	if err != nil {
		return nil, err
	}
	stats.EvalRecords = int64(len(evals))
	stats.AuditRecords = int64(len(audits))
	return stats, nil
}

func (s *MinioStore) AppendEval(ctx context.Context, rec eval.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.objects.put(ctx, logKey(evalPrefix, rec.ID, rec.CreatedAt), data)
}

func (s *MinioStore) AppendAudit(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.objects.put(ctx, logKey(auditPrefix, rec.ID, rec.CreatedAt), data)
}

// Close is a no-op; the minio client holds no open connections.
func (s *MinioStore) Close() error {
	return nil
}

// minioObjects adapts *minio.Client to objectAPI.
type minioObjects struct {
	client *minio.Client
	bucket string
}

func (m *minioObjects) put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (m *minioObjects) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinioError(key, err)
	}
	return data, nil
}

func (m *minioObjects) exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err := translateMinioError(key, err); errors.Is(err, errObjectNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

func (m *minioObjects) remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (m *minioObjects) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".json") {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func translateMinioError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errObjectNotFound
	}
	return fmt.Errorf("object %s: %w", key, err)
}

// Ensure MinioStore implements Store interface.
var _ Store = (*MinioStore)(nil)
