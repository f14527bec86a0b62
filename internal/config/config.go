package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RedisAddr      string
	ClickHouseDSN  string
	PostgresDSN    string
	DebugTrace     bool
	ReloadInterval time.Duration
	ServiceName    string
	Environment    string
	// Per-caller API throttling
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate float64
	// Ad filtering
	FrequencyCapEnabled      bool
	AppInstallFilterEnabled  bool
	HistogramMaxLookback     time.Duration
	HistogramMaxEventsPerKey int
	// Auction bounds
	OverallTimeout time.Duration
	BiddingTimeout time.Duration
	BiddingWorkers int
	// Decision logic and trusted signals
	LogicFetchTimeout   time.Duration
	LogicCacheTTL       time.Duration
	LogicCacheCleanup   time.Duration
	SignalsFetchTimeout time.Duration
	// Winner record retention
	WinnerRetention       time.Duration
	WinnerCleanupInterval time.Duration
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)
	// default to 30 seconds between custom audience reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "adselection")
	cfg.Environment = getenv("ENV", "production")

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 20)
	cfg.RateLimitRefillRate = envFloat("RATE_LIMIT_REFILL_RATE", 2)

	cfg.FrequencyCapEnabled = envBool("FREQUENCY_CAP_ENABLED", true)
	cfg.AppInstallFilterEnabled = envBool("APP_INSTALL_FILTER_ENABLED", true)
	cfg.HistogramMaxLookback = envDuration("HISTOGRAM_MAX_LOOKBACK", 30*24*time.Hour)
	cfg.HistogramMaxEventsPerKey = envInt("HISTOGRAM_MAX_EVENTS_PER_KEY", 1000)

	cfg.OverallTimeout = envDuration("OVERALL_TIMEOUT", 10*time.Second)
	cfg.BiddingTimeout = envDuration("BIDDING_TIMEOUT", 5*time.Second)
	cfg.BiddingWorkers = envInt("BIDDING_WORKERS", 8)

	cfg.LogicFetchTimeout = envDuration("LOGIC_FETCH_TIMEOUT", 2*time.Second)
	cfg.LogicCacheTTL = envDuration("LOGIC_CACHE_TTL", 5*time.Minute)
	cfg.LogicCacheCleanup = envDuration("LOGIC_CACHE_CLEANUP_INTERVAL", time.Minute)
	cfg.SignalsFetchTimeout = envDuration("SIGNALS_FETCH_TIMEOUT", time.Second)

	cfg.WinnerRetention = envDuration("WINNER_RETENTION", 7*24*time.Hour)
	cfg.WinnerCleanupInterval = envDuration("WINNER_CLEANUP_INTERVAL", time.Hour)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
