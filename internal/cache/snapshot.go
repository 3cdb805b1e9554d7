package cache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// FeedCacheKey is where the home feed snapshot lives.
const FeedCacheKey = "lastbench_feed_cache"

// Snapshot stores a bounded list of records as a JSON array under one key.
type Snapshot[T any] struct {
	store  Store
	key    string
	limit  int
	logger *zap.Logger
}

// NewSnapshot constructs a Snapshot keeping at most limit records.
func NewSnapshot[T any](store Store, key string, limit int, logger *zap.Logger) *Snapshot[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshot[T]{store: store, key: key, limit: limit, logger: logger}
}

// Load returns the cached list. A snapshot that fails to decode is removed and
// reported as absent.
func (s *Snapshot[T]) Load(ctx context.Context) ([]T, bool) {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("cache snapshot read failed", zap.String("key", s.key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("discarding corrupt cache snapshot", zap.String("key", s.key), zap.Error(err))
		if removeErr := s.store.Remove(ctx, s.key); removeErr != nil {
			s.logger.Warn("cache snapshot removal failed", zap.String("key", s.key), zap.Error(removeErr))
		}
		return nil, false
	}
	if s.limit > 0 && len(list) > s.limit {
		list = list[:s.limit]
	}
	return list, true
}

// Save overwrites the snapshot with the head of list.
func (s *Snapshot[T]) Save(ctx context.Context, list []T) error {
	if s.limit > 0 && len(list) > s.limit {
		list = list[:s.limit]
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, s.key, raw)
}

// Clear removes the snapshot.
func (s *Snapshot[T]) Clear(ctx context.Context) error {
	return s.store.Remove(ctx, s.key)
}
