// Package fetch downloads buyer and seller decision logic and trusted signals
// over HTTP. Decision logic is cached for a configurable TTL.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

// VersionHeader carries the calling convention version of bidding logic.
const VersionHeader = "X-Bidding-Logic-Version"

// maxLogicBytes bounds the size of a downloaded script.
const maxLogicBytes = 1 << 20

// ErrFetchFailed is returned when logic or signals could not be downloaded.
var ErrFetchFailed = errors.New("fetch: request failed")

// Kind labels what a fetch is for in metrics. Logic fetches report hit, miss,
// prebuilt or error; signal fetches report ok or error.
type Kind string

const (
	KindBidding   Kind = "bidding"
	KindScoring   Kind = "scoring"
	KindSelection Kind = "selection"
)

// LogicFetcher downloads decision logic and keeps it for cacheTTL.
type LogicFetcher struct {
	httpClient *http.Client
	cache      map[string]*CachedLogic
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	inflight   singleflight.Group
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// CachedLogic wraps a downloaded script with caching metadata.
type CachedLogic struct {
	Script    sandbox.Script
	Timestamp time.Time
	TTL       time.Duration
}

// IsExpired checks if the cached logic has expired.
func (c *CachedLogic) IsExpired() bool {
	return time.Since(c.Timestamp) > c.TTL
}

// NewLogicFetcher creates a fetcher. A zero cacheTTL disables caching.
func NewLogicFetcher(timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *LogicFetcher {
	if logger == nil {
		logger = zap.L()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &LogicFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    make(map[string]*CachedLogic),
		cacheTTL: cacheTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// FetchLogic returns the script behind uri. Prebuilt URIs resolve locally;
// everything else is downloaded once per TTL. The version of bidding logic is
// read from VersionHeader and defaults to the current version.
func (f *LogicFetcher) FetchLogic(ctx context.Context, uri string, kind Kind) (sandbox.Script, error) {
	if IsPrebuilt(uri) {
		src, err := prebuiltScript(uri)
		if err != nil {
			f.metrics.IncrementLogicFetches(string(kind), "error")
			return sandbox.Script{}, err
		}
		f.metrics.IncrementLogicFetches(string(kind), "prebuilt")
		return sandbox.Script{Source: src}, nil
	}

	f.cacheMu.RLock()
	cached, exists := f.cache[uri]
	f.cacheMu.RUnlock()
	if exists && !cached.IsExpired() {
		f.metrics.IncrementLogicFetches(string(kind), "hit")
		return cached.Script, nil
	}

	// concurrent misses for one uri share a single download
	ch := f.inflight.DoChan(uri, func() (interface{}, error) {
		script, err := f.download(context.WithoutCancel(ctx), uri)
		if err != nil {
			return sandbox.Script{}, err
		}
		if f.cacheTTL > 0 {
			f.cacheMu.Lock()
			f.cache[uri] = &CachedLogic{
				Script:    script,
				Timestamp: time.Now(),
				TTL:       f.cacheTTL,
			}
			f.cacheMu.Unlock()
		}
		return script, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		f.metrics.IncrementLogicFetches(string(kind), "error")
		return sandbox.Script{}, fmt.Errorf("%w: %v", ErrFetchFailed, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		f.metrics.IncrementLogicFetches(string(kind), "error")
		f.logger.Warn("decision logic fetch failed",
			zap.String("uri", uri),
			zap.String("kind", string(kind)),
			zap.Error(res.Err))
		return sandbox.Script{}, res.Err
	}
	f.metrics.IncrementLogicFetches(string(kind), "miss")
	return res.Val.(sandbox.Script), nil
}

func (f *LogicFetcher) download(ctx context.Context, uri string) (sandbox.Script, error) {
	start := time.Now()
	defer func() {
		f.metrics.RecordLogicFetchLatency(time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return sandbox.Script{}, fmt.Errorf("%w: create request: %v", ErrFetchFailed, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return sandbox.Script{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return sandbox.Script{}, fmt.Errorf("%w: http %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogicBytes+1))
	if err != nil {
		return sandbox.Script{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if len(body) > maxLogicBytes {
		return sandbox.Script{}, fmt.Errorf("%w: logic exceeds %d bytes", ErrFetchFailed, maxLogicBytes)
	}

	script := sandbox.Script{Source: string(body)}
	if v := resp.Header.Get(VersionHeader); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return sandbox.Script{}, fmt.Errorf("%w: version header %q", sandbox.ErrUnsupportedVersion, v)
		}
		script.Version = version
	}
	return script, nil
}

// ClearCache clears the logic cache.
func (f *LogicFetcher) ClearCache() {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	f.cache = make(map[string]*CachedLogic)
}

// GetCacheStats returns statistics about the cache.
func (f *LogicFetcher) GetCacheStats() map[string]interface{} {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	expired := 0
	for _, cached := range f.cache {
		if cached.IsExpired() {
			expired++
		}
	}

	return map[string]interface{}{
		"total_entries":   len(f.cache),
		"expired_entries": expired,
		"active_entries":  len(f.cache) - expired,
	}
}

// CleanupExpiredCache removes expired entries from the cache.
func (f *LogicFetcher) CleanupExpiredCache() {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	for key, cached := range f.cache {
		if cached.IsExpired() {
			delete(f.cache, key)
		}
	}
}

// StartCacheCleanup periodically removes expired entries until ctx is done.
func (f *LogicFetcher) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.CleanupExpiredCache()
			}
		}
	}()
}
