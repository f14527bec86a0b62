package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/adselection/internal/observability"
)

// API names an operation that is throttled separately.
type API string

const (
	APIAdSelection      API = "ad_selection"
	APIOutcomeSelection API = "outcome_selection"
	APIInteraction      API = "interaction"
	APIAppInstall       API = "app_install"
	APICustomAudience   API = "custom_audience"
)

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int     // burst allowance per caller and API
	RefillRate float64 // tokens added per second
	Enabled    bool
}

type bucketKey struct {
	caller string
	api    API
}

// CallerLimiter keeps one token bucket per caller and API, created lazily on
// first use.
//
// Example usage:
//
//	limiter := NewCallerLimiter(Config{Capacity: 10, RefillRate: 1, Enabled: true}, metrics)
//	if !limiter.Allow("com.example.app", APIAdSelection) {
//	    // reject with 429
//	}
type CallerLimiter struct {
	buckets map[bucketKey]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
	nowFn   func() time.Time
}

// NewCallerLimiter creates a limiter with the given configuration.
func NewCallerLimiter(config Config, metrics observability.MetricsRegistry) *CallerLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &CallerLimiter{
		buckets: make(map[bucketKey]*TokenBucket),
		config:  config,
		metrics: metrics,
		nowFn:   time.Now,
	}
}

// Allow reports whether caller may invoke api now. It always returns true
// when rate limiting is disabled.
func (l *CallerLimiter) Allow(caller string, api API) bool {
	if !l.config.Enabled {
		return true
	}

	l.metrics.IncrementRateLimitRequests(string(api))

	key := bucketKey{caller: caller, api: api}
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		bucket, exists = l.buckets[key]
		if !exists {
			bucket = newTokenBucket(l.config.Capacity, l.config.RefillRate, l.nowFn)
			l.buckets[key] = bucket
		}
		l.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		l.metrics.IncrementRateLimitHits(string(api))
	}
	return allowed
}

// GetStats returns a snapshot of the statistics of every bucket.
func (l *CallerLimiter) GetStats() []RateLimitStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make([]RateLimitStats, 0, len(l.buckets))
	for key, bucket := range l.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats = append(stats, RateLimitStats{
			Caller:  key.caller,
			API:     key.api,
			Hits:    hits,
			Total:   total,
			HitRate: hitRate,
		})
	}
	return stats
}

// RateLimitStats contains statistics about one caller and API.
type RateLimitStats struct {
	Caller  string  `json:"caller"`
	API     API     `json:"api"`
	Hits    int64   `json:"hits"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

// String returns a human-readable representation of the statistics.
func (s RateLimitStats) String() string {
	return fmt.Sprintf("%s %s: %d/%d hits (%.2f%%)", s.Caller, s.API, s.Hits, s.Total, s.HitRate*100)
}
