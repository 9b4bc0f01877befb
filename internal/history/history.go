// Package history supplies the transaction lookback windows that pattern
// rules count over.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// defaultTTL bounds how long a fetched window may be served from cache.
// Windows are keyed by their end time, so stale entries are never wrong,
// only wasteful.
const defaultTTL = 30 * time.Second

// Service implements domain.WindowProvider on top of the repository, with
// an optional cache in front of repeated window fetches.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a window provider. cache may be nil, in which case
// every window fetch hits the repository.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   defaultTTL,
	}
}

// Window returns transactions whose keyField equals value with timestamps
// in [until-window, until].
func (s *Service) Window(ctx context.Context, keyField, value string, window time.Duration, until time.Time) ([]*domain.Transaction, error) {
	if keyField == "" || value == "" {
		return nil, fmt.Errorf("keyField and value are required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	key := windowKey(keyField, value, window, until)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var txs []*domain.Transaction
			if err := json.Unmarshal(data, &txs); err == nil {
				return txs, nil
			}
		}
	}

	since := until.Add(-window)
	txs, err := s.repo.TransactionsByKey(ctx, keyField, value, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to load window: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(txs); err == nil {
			s.cache.Set(ctx, key, data, s.ttl)
		}
	}
	return txs, nil
}

// Track bumps the live velocity counter for an entity and returns the new
// count within the window. Counters live in the cache only; callers that
// need exact historical counts use Window instead.
func (s *Service) Track(ctx context.Context, keyField, value string, window time.Duration) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	key := fmt.Sprintf("vel:%s:%s", keyField, value)
	return s.cache.IncrementCounter(ctx, key, window)
}

func windowKey(keyField, value string, window time.Duration, until time.Time) string {
	return fmt.Sprintf("win:%s:%s:%d:%d", keyField, value, int64(window.Seconds()), until.Unix())
}
