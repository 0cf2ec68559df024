package storage

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Cache is a byte cache keyed by string. pkg/cache provides in-process and
// Redis implementations.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CachedStore serves GetChunks from a cache in front of another Store.
// Chunks are write-once, so a cached document only goes stale when it is
// deleted, and DeleteDocument invalidates it. Cache failures are logged and
// fall through to the underlying store.
type CachedStore struct {
	Store
	cache  Cache
	logger *zap.Logger
}

// NewCachedStore wraps inner with cache.
func NewCachedStore(inner Store, cache Cache, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{Store: inner, cache: cache, logger: logger}
}

func chunksKey(documentID string) string { return "chunks/" + documentID }

func (s *CachedStore) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	key := chunksKey(documentID)
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("chunk cache get failed", zap.String("document_id", documentID), zap.Error(err))
	}
	if ok {
		var chunks []Chunk
		if err := json.Unmarshal(data, &chunks); err == nil {
			return chunks, nil
		}
		s.logger.Warn("dropping undecodable cache entry", zap.String("document_id", documentID))
		s.cache.Delete(ctx, key)
	}

	chunks, err := s.Store.GetChunks(ctx, documentID)
	if err != nil || len(chunks) == 0 {
		return chunks, err
	}
	if data, err := json.Marshal(chunks); err == nil {
		if err := s.cache.Set(ctx, key, data); err != nil {
			s.logger.Warn("chunk cache set failed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return chunks, nil
}

func (s *CachedStore) PutDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := s.Store.PutDocument(ctx, documentID, chunks); err != nil {
		return err
	}
	s.invalidate(ctx, documentID)
	return nil
}

func (s *CachedStore) DeleteDocument(ctx context.Context, documentID string) error {
	err := s.Store.DeleteDocument(ctx, documentID)
	s.invalidate(ctx, documentID)
	return err
}

func (s *CachedStore) invalidate(ctx context.Context, documentID string) {
	if err := s.cache.Delete(ctx, chunksKey(documentID)); err != nil {
		s.logger.Warn("chunk cache invalidation failed", zap.String("document_id", documentID), zap.Error(err))
	}
}
