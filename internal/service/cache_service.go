package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const gridKeyPrefix = "grid:"

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService caches grid projections in Redis. Every assignment write
// drops the whole grid namespace; projections are cheap to rebuild and the
// invalidation rule stays trivially correct.
type CacheService struct {
	store   cacheStore
	ttl     time.Duration
	enabled bool
	logger  *zap.Logger
}

// NewCacheService constructs the service. A nil store or a disabled flag
// turns every operation into a no-op miss.
func NewCacheService(store cacheStore, ttl time.Duration, enabled bool, logger *zap.Logger) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{store: store, ttl: ttl, enabled: enabled && store != nil, logger: logger}
}

// GridKey derives a stable cache key for a grid projection request.
func GridKey(parts ...string) string {
	return gridKeyPrefix + strings.Join(parts, ":")
}

// GetGrid loads a cached grid into dest. Returns false on any miss.
func (s *CacheService) GetGrid(ctx context.Context, key string, dest interface{}) bool {
	if !s.enabled {
		return false
	}
	if err := s.store.Get(ctx, key, dest); err != nil {
		return false
	}
	return true
}

// SetGrid stores a grid projection. Failures are logged and swallowed; the
// cache is an optimization, never a source of truth.
func (s *CacheService) SetGrid(ctx context.Context, key string, value interface{}) {
	if !s.enabled {
		return
	}
	if err := s.store.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.Warn("grid cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateGrids drops every cached grid projection.
func (s *CacheService) InvalidateGrids(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	if err := s.store.DeleteByPattern(ctx, gridKeyPrefix+"*"); err != nil {
		return fmt.Errorf("invalidate grid cache: %w", err)
	}
	return nil
}
