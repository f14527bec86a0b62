package observability

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SamplingStats counts sampling decisions for one auction result.
type SamplingStats struct {
	Rate    float64
	Seen    int64
	Sampled int64
}

// AuctionLogSampler decides which finished auctions get an info log line.
// Rates are kept per auction result (won, no_winner, ...); results without a
// configured rate are always logged.
type AuctionLogSampler struct {
	mu    sync.Mutex
	rates map[string]float64
	stats map[string]SamplingStats
	rnd   func() float64
}

// NewAuctionLogSampler returns a sampler with the default rates of env.
// Development logs every auction; staging keeps half of the wins; production
// keeps one win in ten and one empty auction in a hundred.
func NewAuctionLogSampler(env string) *AuctionLogSampler {
	var rates map[string]float64
	switch strings.ToLower(env) {
	case "development", "dev":
		rates = map[string]float64{}
	case "staging", "test":
		rates = map[string]float64{"won": 0.5, "no_winner": 0.1}
	default:
		rates = map[string]float64{"won": 0.1, "no_winner": 0.01}
	}
	return NewAuctionLogSamplerWithRates(rates)
}

// NewAuctionLogSamplerWithRates returns a sampler using the given per-result rates.
func NewAuctionLogSamplerWithRates(rates map[string]float64) *AuctionLogSampler {
	copied := make(map[string]float64, len(rates))
	for result, rate := range rates {
		copied[result] = rate
	}
	return &AuctionLogSampler{
		rates: copied,
		stats: make(map[string]SamplingStats),
		rnd:   rand.Float64,
	}
}

// Sample reports whether an auction that ended with result should be logged.
// A nil sampler logs everything.
func (s *AuctionLogSampler) Sample(result string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rate, ok := s.rates[result]
	if !ok {
		rate = 1
	}
	sampled := rate >= 1 || (rate > 0 && s.rnd() < rate)

	st := s.stats[result]
	st.Rate = rate
	st.Seen++
	if sampled {
		st.Sampled++
	}
	s.stats[result] = st
	return sampled
}

// Stats returns a copy of the counts gathered since the last flush.
func (s *AuctionLogSampler) Stats() map[string]SamplingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SamplingStats, len(s.stats))
	for result, st := range s.stats {
		out[result] = st
	}
	return out
}

// Flush logs one line per auction result and starts a new period.
func (s *AuctionLogSampler) Flush(logger *zap.Logger) {
	s.mu.Lock()
	stats := s.stats
	s.stats = make(map[string]SamplingStats)
	s.mu.Unlock()

	results := make([]string, 0, len(stats))
	for result := range stats {
		results = append(results, result)
	}
	sort.Strings(results)

	for _, result := range results {
		st := stats[result]
		logger.Info("auction log sampling",
			zap.String("result", result),
			zap.Float64("target_rate", st.Rate),
			zap.Float64("actual_rate", float64(st.Sampled)/float64(st.Seen)),
			zap.Int64("auctions", st.Seen),
			zap.Int64("logged", st.Sampled),
		)
	}
}
