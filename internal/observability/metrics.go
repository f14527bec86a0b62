package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adselection_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// completed auctions labelled by result (winner, no_winner, error)
	AuctionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_auctions_total",
			Help: "Total ad selection runs",
		},
		[]string{"result"},
	)

	// end to end auction latency
	AuctionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adselection_auction_duration_seconds",
			Help:    "Duration of ad selection runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	// per custom audience bidding results labelled by reason
	BiddingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_bidding_outcomes_total",
			Help: "Bidding results per custom audience",
		},
		[]string{"reason"},
	)

	// latency of one custom audience bidding run
	BiddingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adselection_bidding_duration_seconds",
			Help:    "Duration of bid generation per custom audience",
			Buckets: prometheus.DefBuckets,
		},
	)

	// latency of the batched scoring call
	ScoringLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adselection_scoring_duration_seconds",
			Help:    "Duration of ad scoring",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ads removed before bidding labelled by filter
	FilteredAds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_filtered_ads_total",
			Help: "Total ads removed by ad filtering",
		},
		[]string{"reason"},
	)

	// histogram events recorded labelled by type
	HistogramEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_histogram_events_total",
			Help: "Total ad counter key events recorded",
		},
		[]string{"type"},
	)

	// outcome selection runs labelled by result
	OutcomeSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_outcome_selections_total",
			Help: "Total outcome selection runs",
		},
		[]string{"result"},
	)

	// decision logic fetches labelled by kind and outcome (hit, miss, prebuilt, error)
	LogicFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_logic_fetch_total",
			Help: "Total decision logic fetches",
		},
		[]string{"kind", "outcome"},
	)

	// latency of remote decision logic downloads
	LogicFetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adselection_logic_fetch_duration_seconds",
			Help:    "Duration of remote decision logic downloads",
			Buckets: prometheus.DefBuckets,
		},
	)

	// trusted signal fetches labelled by kind and outcome (ok, error)
	SignalFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_signal_fetch_total",
			Help: "Total trusted bidding and scoring signal fetches",
		},
		[]string{"kind", "outcome"},
	)

	// latency of trusted signal fetches
	SignalFetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adselection_signal_fetch_duration_seconds",
			Help:    "Duration of trusted signal fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// rate limit hits per api
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_ratelimit_hits_total",
			Help: "Total throttled calls per api",
		},
		[]string{"api"},
	)

	// rate limit checks per api
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adselection_ratelimit_requests_total",
			Help: "Total rate limit checks per api",
		},
		[]string{"api"},
	)

	// number of errors persisting auction analytics
	AnalyticsErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adselection_analytics_errors_total",
			Help: "Total analytics persistence errors",
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		AuctionCount,
		AuctionLatency,
		BiddingOutcomes,
		BiddingLatency,
		ScoringLatency,
		FilteredAds,
		HistogramEvents,
		OutcomeSelections,
		LogicFetches,
		LogicFetchLatency,
		SignalFetches,
		SignalFetchLatency,
		RateLimitHits,
		RateLimitRequests,
		AnalyticsErrors,
	)
}
