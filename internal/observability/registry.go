package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Auction metrics
	IncrementAuctions(result string)
	RecordAuctionLatency(duration time.Duration)
	IncrementBiddingOutcome(reason string)
	RecordBiddingLatency(duration time.Duration)
	RecordScoringLatency(duration time.Duration)

	// Filtering and histogram metrics
	AddFilteredAds(reason string, n int)
	AddHistogramEvents(eventType string, n int)

	// Outcome selection metrics
	IncrementOutcomeSelections(result string)

	// Logic fetch metrics
	IncrementLogicFetches(kind, outcome string)
	RecordLogicFetchLatency(duration time.Duration)
	IncrementSignalFetches(kind, outcome string)
	RecordSignalFetchLatency(kind string, duration time.Duration)

	// Rate limiting metrics
	IncrementRateLimitRequests(api string)
	IncrementRateLimitHits(api string)

	// Analytics metrics
	IncrementAnalyticsErrors()
}

// PrometheusRegistry implements MetricsRegistry using the existing global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Auction metrics
func (r *PrometheusRegistry) IncrementAuctions(result string) {
	AuctionCount.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) RecordAuctionLatency(duration time.Duration) {
	AuctionLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementBiddingOutcome(reason string) {
	BiddingOutcomes.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) RecordBiddingLatency(duration time.Duration) {
	BiddingLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) RecordScoringLatency(duration time.Duration) {
	ScoringLatency.Observe(duration.Seconds())
}

// Filtering and histogram metrics
func (r *PrometheusRegistry) AddFilteredAds(reason string, n int) {
	if n > 0 {
		FilteredAds.WithLabelValues(reason).Add(float64(n))
	}
}

func (r *PrometheusRegistry) AddHistogramEvents(eventType string, n int) {
	if n > 0 {
		HistogramEvents.WithLabelValues(eventType).Add(float64(n))
	}
}

// Outcome selection metrics
func (r *PrometheusRegistry) IncrementOutcomeSelections(result string) {
	OutcomeSelections.WithLabelValues(result).Inc()
}

// Logic fetch metrics
func (r *PrometheusRegistry) IncrementLogicFetches(kind, outcome string) {
	LogicFetches.WithLabelValues(kind, outcome).Inc()
}

func (r *PrometheusRegistry) RecordLogicFetchLatency(duration time.Duration) {
	LogicFetchLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementSignalFetches(kind, outcome string) {
	SignalFetches.WithLabelValues(kind, outcome).Inc()
}

func (r *PrometheusRegistry) RecordSignalFetchLatency(kind string, duration time.Duration) {
	SignalFetchLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(api string) {
	RateLimitRequests.WithLabelValues(api).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(api string) {
	RateLimitHits.WithLabelValues(api).Inc()
}

// Analytics metrics
func (r *PrometheusRegistry) IncrementAnalyticsErrors() {
	AnalyticsErrors.Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Auction metrics
func (r *NoOpRegistry) IncrementAuctions(result string)             {}
func (r *NoOpRegistry) RecordAuctionLatency(duration time.Duration) {}
func (r *NoOpRegistry) IncrementBiddingOutcome(reason string)       {}
func (r *NoOpRegistry) RecordBiddingLatency(duration time.Duration) {}
func (r *NoOpRegistry) RecordScoringLatency(duration time.Duration) {}

// Filtering and histogram metrics
func (r *NoOpRegistry) AddFilteredAds(reason string, n int)        {}
func (r *NoOpRegistry) AddHistogramEvents(eventType string, n int) {}

// Outcome selection metrics
func (r *NoOpRegistry) IncrementOutcomeSelections(result string) {}

// Logic fetch metrics
func (r *NoOpRegistry) IncrementLogicFetches(kind, outcome string)                   {}
func (r *NoOpRegistry) RecordLogicFetchLatency(duration time.Duration)               {}
func (r *NoOpRegistry) IncrementSignalFetches(kind, outcome string)                  {}
func (r *NoOpRegistry) RecordSignalFetchLatency(kind string, duration time.Duration) {}

// Rate limiting metrics
func (r *NoOpRegistry) IncrementRateLimitRequests(api string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(api string)     {}

// Analytics metrics
func (r *NoOpRegistry) IncrementAnalyticsErrors() {}
