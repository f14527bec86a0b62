package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/models"
)

// ErrNilRedisStore is returned when a RedisStore pointer is nil or uninitialized.
var ErrNilRedisStore = errors.New("redis store is nil")

const (
	// DefaultHistogramLookback bounds how far back histogram events are kept.
	DefaultHistogramLookback = 30 * 24 * time.Hour
	// DefaultMaxEventsPerKey bounds the number of events kept per histogram key.
	DefaultMaxEventsPerKey = 1000
)

// RedisStore keeps ad counter key histograms and app install state in Redis.
type RedisStore struct {
	Client *redis.Client
	// MaxLookback is the age after which histogram events are trimmed.
	MaxLookback time.Duration
	// MaxEventsPerKey caps the events kept per histogram key; older ones are dropped first.
	MaxEventsPerKey int64
}

// NewRedisStore wraps an existing client with the default histogram limits.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:          client,
		MaxLookback:     DefaultHistogramLookback,
		MaxEventsPerKey: DefaultMaxEventsPerKey,
	}
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func (r *RedisStore) ready() error {
	if r == nil || r.Client == nil {
		return ErrNilRedisStore
	}
	return nil
}

// histogramKey returns the sorted set holding events for one counter key.
// Win events are additionally kept per custom audience.
func histogramKey(t models.EventType, buyer, owner, name, key string) string {
	if t == models.EventWin && name != "" {
		return fmt.Sprintf("histogram:win:%s:%s:%s:%s", buyer, owner, name, key)
	}
	return fmt.Sprintf("histogram:%s:%s:%s", t, buyer, key)
}

func appInstallKey(buyer string) string {
	return "appinstall:" + buyer
}

// RecordHistogramEvents appends events to their histograms in one pipeline.
// Each histogram is trimmed to MaxLookback and MaxEventsPerKey afterwards.
// Win events for a custom audience are also counted for their buyer.
func (r *RedisStore) RecordHistogramEvents(ctx context.Context, events []models.HistogramEvent) error {
	if err := r.ready(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	pipe := r.Client.Pipeline()
	for _, ev := range events {
		keys := []string{histogramKey(ev.Type, ev.Buyer, ev.CustomAudienceOwner, ev.CustomAudienceName, ev.AdCounterKey)}
		if ev.Type == models.EventWin && ev.CustomAudienceName != "" {
			keys = append(keys, histogramKey(ev.Type, ev.Buyer, "", "", ev.AdCounterKey))
		}
		for _, key := range keys {
			r.appendEvent(ctx, pipe, key, ev.Timestamp)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record histogram events: %w", err)
	}
	return nil
}

func (r *RedisStore) appendEvent(ctx context.Context, pipe redis.Pipeliner, key string, ts time.Time) {
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: uuid.NewString()})
	if r.MaxLookback > 0 {
		cutoff := ts.Add(-r.MaxLookback).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, r.MaxLookback)
	}
	if r.MaxEventsPerKey > 0 {
		// keep the newest MaxEventsPerKey members
		pipe.ZRemRangeByRank(ctx, key, 0, -r.MaxEventsPerKey-1)
	}
}

// CountHistogramEvents returns, for each query, the number of events recorded
// at or after its Since time. All counts are read in one pipeline.
func (r *RedisStore) CountHistogramEvents(ctx context.Context, queries []models.HistogramQuery) ([]int64, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, nil
	}

	pipe := r.Client.Pipeline()
	cmds := make([]*redis.IntCmd, len(queries))
	for i, q := range queries {
		key := histogramKey(q.Type, q.Buyer, q.CustomAudienceOwner, q.CustomAudienceName, q.AdCounterKey)
		min := strconv.FormatInt(q.Since.UnixMilli(), 10)
		cmds[i] = pipe.ZCount(ctx, key, min, "+inf")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline exec failed: %w", err)
	}

	counts := make([]int64, len(queries))
	for i, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("count histogram events: %w", err)
		}
		counts[i] = n
	}
	return counts, nil
}

// RegisterAppInstall marks the packages as installed for filtering by buyer.
func (r *RedisStore) RegisterAppInstall(ctx context.Context, buyer string, packages []string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if len(packages) == 0 {
		return nil
	}
	members := make([]interface{}, len(packages))
	for i, p := range packages {
		members[i] = p
	}
	return r.Client.SAdd(ctx, appInstallKey(buyer), members...).Err()
}

// UnregisterAppInstall removes the packages from the buyer's installed set.
func (r *RedisStore) UnregisterAppInstall(ctx context.Context, buyer string, packages []string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if len(packages) == 0 {
		return nil
	}
	members := make([]interface{}, len(packages))
	for i, p := range packages {
		members[i] = p
	}
	return r.Client.SRem(ctx, appInstallKey(buyer), members...).Err()
}

// InstalledApps reports which of the packages are registered as installed for
// the buyer. Lookups for all buyers are pipelined.
func (r *RedisStore) InstalledApps(ctx context.Context, packagesByBuyer map[string][]string) (map[string]map[string]bool, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	result := make(map[string]map[string]bool, len(packagesByBuyer))
	if len(packagesByBuyer) == 0 {
		return result, nil
	}

	type lookup struct {
		buyer string
		pkg   string
		cmd   *redis.BoolCmd
	}
	var lookups []lookup
	pipe := r.Client.Pipeline()
	for buyer, packages := range packagesByBuyer {
		for _, pkg := range packages {
			lookups = append(lookups, lookup{buyer: buyer, pkg: pkg, cmd: pipe.SIsMember(ctx, appInstallKey(buyer), pkg)})
		}
	}
	if len(lookups) == 0 {
		return result, nil
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline exec failed: %w", err)
	}

	for _, l := range lookups {
		installed, err := l.cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("check app install: %w", err)
		}
		if result[l.buyer] == nil {
			result[l.buyer] = make(map[string]bool)
		}
		result[l.buyer][l.pkg] = installed
	}
	return result, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
