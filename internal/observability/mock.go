package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records counter values in memory for assertions in tests.
// Latencies are ignored.
type MockMetricsRegistry struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewMockMetricsRegistry creates an empty mock registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counters: make(map[string]int)}
}

func (m *MockMetricsRegistry) add(name string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[name] += n
}

// Count returns the recorded value of a counter, e.g. "bidding_outcome:timeout".
func (m *MockMetricsRegistry) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.add("requests:"+endpoint+":"+status, 1)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Auction metrics
func (m *MockMetricsRegistry) IncrementAuctions(result string)             { m.add("auctions:"+result, 1) }
func (m *MockMetricsRegistry) RecordAuctionLatency(duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementBiddingOutcome(reason string) {
	m.add("bidding_outcome:"+reason, 1)
}
func (m *MockMetricsRegistry) RecordBiddingLatency(duration time.Duration) {}
func (m *MockMetricsRegistry) RecordScoringLatency(duration time.Duration) {}

// Filtering and histogram metrics
func (m *MockMetricsRegistry) AddFilteredAds(reason string, n int) { m.add("filtered_ads:"+reason, n) }
func (m *MockMetricsRegistry) AddHistogramEvents(eventType string, n int) {
	m.add("histogram_events:"+eventType, n)
}

// Outcome selection metrics
func (m *MockMetricsRegistry) IncrementOutcomeSelections(result string) {
	m.add("outcome_selections:"+result, 1)
}

// Logic fetch metrics
func (m *MockMetricsRegistry) IncrementLogicFetches(kind, outcome string) {
	m.add("logic_fetches:"+kind+":"+outcome, 1)
}
func (m *MockMetricsRegistry) RecordLogicFetchLatency(duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementSignalFetches(kind, outcome string) {
	m.add("signal_fetches:"+kind+":"+outcome, 1)
}
func (m *MockMetricsRegistry) RecordSignalFetchLatency(kind string, duration time.Duration) {}

// Rate limiting metrics
func (m *MockMetricsRegistry) IncrementRateLimitRequests(api string) {
	m.add("ratelimit_requests:"+api, 1)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(api string) { m.add("ratelimit_hits:"+api, 1) }

// Analytics metrics
func (m *MockMetricsRegistry) IncrementAnalyticsErrors() { m.add("analytics_errors", 1) }
