package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/analytics"
	"github.com/patrickwarner/adselection/internal/db"
	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/logic/bidding"
	"github.com/patrickwarner/adselection/internal/logic/counterkeys"
	"github.com/patrickwarner/adselection/internal/logic/filters"
	"github.com/patrickwarner/adselection/internal/logic/histogram"
	"github.com/patrickwarner/adselection/internal/logic/scoring"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

const (
	highestBidWins = "ad-selection-prebuilt://ad-selection/highest-bid-wins/"
	buyerA         = "a.example"
	buyerB         = "b.example"
)

// fixedBidScript bids the price in each ad's metadata.
const fixedBidScript = `
function generateBid(ca, auction_signals, per_buyer_signals, trusted, contextual)
  local bids = {}
  for _, ad in ipairs(ca.ads) do
    table.insert(bids, {ad = ad.metadata, bid = ad.metadata.price, render = ad.render_uri})
  end
  return bids
end
`

const slowBidScript = `
function generateBid(ca)
  while true do end
end
`

// scriptFetcher serves scripts by URI and resolves prebuilt logic.
type scriptFetcher struct {
	scripts  map[string]string
	prebuilt *fetch.LogicFetcher
}

func newScriptFetcher(scripts map[string]string) *scriptFetcher {
	return &scriptFetcher{scripts: scripts, prebuilt: fetch.NewLogicFetcher(time.Second, time.Minute, zap.NewNop(), nil)}
}

func (f *scriptFetcher) FetchLogic(ctx context.Context, uri string, kind fetch.Kind) (sandbox.Script, error) {
	if fetch.IsPrebuilt(uri) {
		return f.prebuilt.FetchLogic(ctx, uri, kind)
	}
	src, ok := f.scripts[uri]
	if !ok {
		return sandbox.Script{}, fetch.ErrFetchFailed
	}
	return sandbox.Script{Source: src}, nil
}

type memoryWinners struct {
	mu      sync.Mutex
	records []models.WinnerRecord
	err     error
}

func (m *memoryWinners) InsertWinnerRecord(_ context.Context, r models.WinnerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memoryWinners) GetWinnerRecord(_ context.Context, id int64) (models.WinnerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.AdSelectionID == id {
			return r, nil
		}
	}
	return models.WinnerRecord{}, models.ErrNotFound
}

type recordingSignals struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (s *recordingSignals) FetchBiddingSignals(_ context.Context, uri string, keys []string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string][]string)
	}
	s.calls[uri] = append(s.calls[uri], keys...)
	return map[string]json.RawMessage{"price_boost": json.RawMessage(`1`)}, nil
}

func pricedAd(render string, price float64, keys ...string) models.AdRecord {
	meta, _ := json.Marshal(map[string]float64{"price": price})
	rec := models.AdRecord{RenderURI: render, Metadata: meta}
	if len(keys) > 0 {
		rec.AdCounterKeys = keys
	}
	return rec
}

func audience(buyer, name, logicURI string, ads ...models.AdRecord) models.CustomAudience {
	ca := models.NewTestCustomAudience(buyer, name, ads...)
	ca.BiddingLogicURI = logicURI
	return ca
}

type testEnv struct {
	runner    *Runner
	store     *models.InMemoryCustomAudienceStore
	winners   *memoryWinners
	redis     *db.RedisStore
	metrics   *observability.MockMetricsRegistry
	analytics *analytics.MockAnalytics
	signals   *recordingSignals
}

func newTestEnv(t *testing.T, scripts map[string]string, frequencyCapping bool, audiences ...models.CustomAudience) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisStore := db.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	env := &testEnv{
		store:     models.NewTestCustomAudienceStore(audiences...),
		winners:   &memoryWinners{},
		redis:     redisStore,
		metrics:   observability.NewMockMetricsRegistry(),
		analytics: analytics.NewMockAnalytics(),
		signals:   &recordingSignals{},
	}

	logger := zap.NewNop()
	engine := sandbox.NewLuaEngine(logger)
	fetcher := newScriptFetcher(scripts)
	copier := counterkeys.New(frequencyCapping)

	env.runner = NewRunner(Deps{
		Audiences: env.store,
		Filter: filters.New(filters.Options{
			FrequencyCapEnabled: frequencyCapping,
			Histograms:          redisStore,
			AppInstalls:         redisStore,
			Metrics:             env.metrics,
			Logger:              logger,
		}),
		Signals:    env.signals,
		Bidder:     bidding.NewGenerator(fetcher, engine, copier, env.metrics, logger),
		Scorer:     scoring.NewGenerator(fetcher, nil, engine, env.metrics, logger),
		Copier:     copier,
		Winners:    env.winners,
		Histograms: histogram.NewUpdater(redisStore, env.winners, env.metrics, logger),
		Analytics:  env.analytics,
		Metrics:    env.metrics,
		Logger:     logger,
	}, Options{
		OverallTimeout: 5 * time.Second,
		BiddingTimeout: 200 * time.Millisecond,
		BiddingWorkers: 4,
	})
	return env
}

func baseConfig(buyers ...string) models.AuctionConfig {
	return models.AuctionConfig{
		Seller:               "seller.example",
		DecisionLogicURI:     highestBidWins,
		CustomAudienceBuyers: buyers,
	}
}

func TestRunAdSelection_SlowAudienceIsExcluded(t *testing.T) {
	scripts := map[string]string{
		"https://a.example/fixed.lua": fixedBidScript,
		"https://a.example/slow.lua":  slowBidScript,
	}
	env := newTestEnv(t, scripts, true,
		audience(buyerA, "cheap", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 2.0)),
		audience(buyerA, "slow", "https://a.example/slow.lua", pricedAd("https://a.example/ad/2", 100)),
		audience(buyerA, "rich", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/3", 5.0, "campaign-7")),
	)

	start := time.Now()
	result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", baseConfig(buyerA))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "slow audience only times out locally")

	require.True(t, result.HasWinner())
	assert.NotZero(t, result.AdSelectionID)
	assert.Equal(t, "https://a.example/ad/3", result.RenderURI)
	assert.Equal(t, 5.0, result.Winner.Bid.Value)
	assert.Equal(t, 5.0, result.Winner.Score)

	assert.Equal(t, 1, env.metrics.Count("bidding_outcome:timeout"))
	assert.Equal(t, 2, env.metrics.Count("bidding_outcome:bid"))
	assert.Equal(t, 1, env.metrics.Count("auctions:won"))

	require.Len(t, env.winners.records, 1)
	record := env.winners.records[0]
	assert.Equal(t, result.AdSelectionID, record.AdSelectionID)
	assert.Equal(t, "com.example.app", record.CallerPackage)
	assert.Equal(t, buyerA, record.Buyer)
	assert.Equal(t, "rich", record.CustomAudienceName)
	assert.Equal(t, models.AdCounterKeys{"campaign-7"}, record.AdCounterKeys)
	assert.Equal(t, fixedBidScript, record.BuyerDecisionLogicScript)
	assert.Equal(t, highestBidWins, record.SellerDecisionLogicURI)

	counts, err := env.redis.CountHistogramEvents(context.Background(), []models.HistogramQuery{
		{AdCounterKey: "campaign-7", Buyer: buyerA, CustomAudienceOwner: "com.example.app", CustomAudienceName: "rich", Type: models.EventWin, Since: start.Add(-time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[0])

	events := env.analytics.AuctionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "won", events[0].Result)
	assert.Equal(t, result.AdSelectionID, events[0].AdSelectionID)
	assert.Equal(t, 3, events[0].Candidates)
	assert.Equal(t, 2, events[0].Bids)
}

func TestRunAdSelection_FrequencyCapAppliesToNextAuction(t *testing.T) {
	capped := pricedAd("https://a.example/ad/capped", 9, "k1")
	capped.Filters = &models.AdFilters{FrequencyCap: &models.FrequencyCapFilters{
		ForWinEvents: []models.KeyedFrequencyCap{{AdCounterKey: "k1", MaxCount: 1, Interval: time.Hour}},
	}}
	env := newTestEnv(t, map[string]string{"https://a.example/fixed.lua": fixedBidScript}, true,
		audience(buyerA, "shoes", "https://a.example/fixed.lua", capped, pricedAd("https://a.example/ad/other", 3)),
	)
	ctx := context.Background()

	first, err := env.runner.RunAdSelection(ctx, "com.example.app", baseConfig(buyerA))
	require.NoError(t, err)
	require.True(t, first.HasWinner())
	assert.Equal(t, "https://a.example/ad/capped", first.RenderURI)

	second, err := env.runner.RunAdSelection(ctx, "com.example.app", baseConfig(buyerA))
	require.NoError(t, err)
	require.True(t, second.HasWinner())
	assert.Equal(t, "https://a.example/ad/other", second.RenderURI)
	assert.Equal(t, 1, env.metrics.Count("filtered_ads:frequency_cap"))
}

func TestRunAdSelection_ContextualAds(t *testing.T) {
	env := newTestEnv(t, map[string]string{"https://a.example/fixed.lua": fixedBidScript}, true,
		audience(buyerA, "shoes", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 5)),
	)
	cfg := baseConfig(buyerA)
	cfg.BuyerContextualAds = map[string]models.ContextualAds{
		buyerB: {
			DecisionLogicURI: "https://b.example/contextual.lua",
			Ads: []models.ContextualAd{
				{Ad: models.AdCandidate{RenderURI: "https://b.example/ad/1", AdCounterKeys: models.AdCounterKeys{"ctx-1"}}, Bid: 9},
				{Ad: models.AdCandidate{RenderURI: "https://b.example/ad/2"}, Bid: -1},
			},
		},
	}

	result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", cfg)
	require.NoError(t, err)
	require.True(t, result.HasWinner())
	assert.Equal(t, "https://b.example/ad/1", result.RenderURI)
	assert.False(t, result.Winner.Logic.Downloaded)
	assert.Equal(t, buyerB, result.Winner.Buyer())

	require.Len(t, env.winners.records, 1)
	assert.Equal(t, models.AdCounterKeys{"ctx-1"}, env.winners.records[0].AdCounterKeys)
	assert.Equal(t, 1, env.metrics.Count("bidding_outcome:invalid_bid"))

	counts, err := env.redis.CountHistogramEvents(context.Background(), []models.HistogramQuery{
		{AdCounterKey: "ctx-1", Buyer: buyerB, Type: models.EventWin, Since: time.Now().Add(-time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[0], "contextual wins are counted per buyer")
}

func TestRunAdSelection_NoWinner(t *testing.T) {
	t.Run("no audiences", func(t *testing.T) {
		env := newTestEnv(t, nil, false)
		result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", baseConfig(buyerA))
		require.NoError(t, err)
		assert.False(t, result.HasWinner())
		assert.Empty(t, env.winners.records)
		assert.Equal(t, 1, env.metrics.Count("auctions:no_winner"))
		require.Len(t, env.analytics.AuctionEvents(), 1)
		assert.Equal(t, "no_winner", env.analytics.AuctionEvents()[0].Result)
	})

	t.Run("seller rejects every ad", func(t *testing.T) {
		scripts := map[string]string{
			"https://a.example/fixed.lua":       fixedBidScript,
			"https://seller.example/reject.lua": `function scoreAd(ad, bid) return 0 end`,
		}
		env := newTestEnv(t, scripts, false,
			audience(buyerA, "shoes", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 5)),
		)
		cfg := baseConfig(buyerA)
		cfg.DecisionLogicURI = "https://seller.example/reject.lua"

		result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", cfg)
		require.NoError(t, err)
		assert.False(t, result.HasWinner())
		assert.Empty(t, env.winners.records)
	})

	t.Run("every audience fails", func(t *testing.T) {
		env := newTestEnv(t, map[string]string{"https://a.example/bad.lua": `function generateBid() error("boom") end`}, false,
			audience(buyerA, "shoes", "https://a.example/bad.lua", pricedAd("https://a.example/ad/1", 5)),
		)
		result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", baseConfig(buyerA))
		require.NoError(t, err)
		assert.False(t, result.HasWinner())
		assert.Equal(t, 1, env.metrics.Count("bidding_outcome:error"))
	})
}

func TestRunAdSelection_FatalErrors(t *testing.T) {
	scripts := map[string]string{
		"https://a.example/fixed.lua":      fixedBidScript,
		"https://seller.example/boom.lua":  `function scoreAd(ad, bid) error("boom") end`,
		"https://seller.example/wrong.lua": `function scoreAds(ads) return {} end`,
	}
	newEnv := func(t *testing.T) *testEnv {
		return newTestEnv(t, scripts, false,
			audience(buyerA, "shoes", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 5)),
		)
	}

	t.Run("scoring failure", func(t *testing.T) {
		env := newEnv(t)
		cfg := baseConfig(buyerA)
		cfg.DecisionLogicURI = "https://seller.example/boom.lua"
		_, err := env.runner.RunAdSelection(context.Background(), "com.example.app", cfg)
		assert.ErrorIs(t, err, scoring.ErrScoringFailed)
		assert.Empty(t, env.winners.records)
		assert.Equal(t, 1, env.metrics.Count("auctions:error"))
	})

	t.Run("contract violation", func(t *testing.T) {
		env := newEnv(t)
		cfg := baseConfig(buyerA)
		cfg.DecisionLogicURI = "https://seller.example/wrong.lua"
		_, err := env.runner.RunAdSelection(context.Background(), "com.example.app", cfg)
		assert.ErrorIs(t, err, scoring.ErrContractViolation)
	})

	t.Run("persistence failure", func(t *testing.T) {
		env := newEnv(t)
		env.winners.err = errors.New("postgres down")
		_, err := env.runner.RunAdSelection(context.Background(), "com.example.app", baseConfig(buyerA))
		assert.Error(t, err)
		assert.Empty(t, env.analytics.AuctionEvents())
	})

	t.Run("invalid config", func(t *testing.T) {
		env := newEnv(t)
		_, err := env.runner.RunAdSelection(context.Background(), "com.example.app", models.AuctionConfig{Seller: "seller.example"})
		assert.ErrorIs(t, err, models.ErrInvalidConfig)
		_, err = env.runner.RunAdSelection(context.Background(), "", baseConfig(buyerA))
		assert.ErrorIs(t, err, models.ErrInvalidConfig)
		assert.Equal(t, 2, env.metrics.Count("auctions:invalid"))
	})

	t.Run("canceled", func(t *testing.T) {
		env := newEnv(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := env.runner.RunAdSelection(ctx, "com.example.app", baseConfig(buyerA))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, env.winners.records)
	})
}

func TestRunAdSelection_CancelDuringBiddingDiscardsResults(t *testing.T) {
	scripts := map[string]string{
		"https://a.example/fixed.lua": fixedBidScript,
		"https://a.example/slow.lua":  slowBidScript,
	}
	env := newTestEnv(t, scripts, false,
		audience(buyerA, "cheap", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 2)),
		audience(buyerA, "slow", "https://a.example/slow.lua", pricedAd("https://a.example/ad/2", 100)),
	)
	env.runner.opts.BiddingTimeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := env.runner.RunAdSelection(ctx, "com.example.app", baseConfig(buyerA))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, env.winners.records)
	assert.Equal(t, 1, env.metrics.Count("auctions:canceled"))
}

func TestRunAdSelection_TrustedSignalsFetchedOncePerURI(t *testing.T) {
	script := `
function generateBid(ca, auction_signals, per_buyer_signals, trusted)
  local ad = ca.ads[1]
  return {ad = ad.metadata, bid = ad.metadata.price + (trusted.price_boost or 0), render = ad.render_uri}
end
`
	first := audience(buyerA, "one", "https://a.example/trusted.lua", pricedAd("https://a.example/ad/1", 4))
	first.TrustedBiddingData = &models.TrustedBiddingData{URI: "https://kv.a.example", Keys: []string{"price_boost"}}
	second := audience(buyerA, "two", "https://a.example/trusted.lua", pricedAd("https://a.example/ad/2", 4.5))
	second.TrustedBiddingData = &models.TrustedBiddingData{URI: "https://kv.a.example", Keys: []string{"other"}}

	env := newTestEnv(t, map[string]string{"https://a.example/trusted.lua": script}, false, first, second)
	result, err := env.runner.RunAdSelection(context.Background(), "com.example.app", baseConfig(buyerA))
	require.NoError(t, err)
	require.True(t, result.HasWinner())
	// only the first audience asked for price_boost
	assert.Equal(t, "https://a.example/ad/1", result.RenderURI)
	assert.Equal(t, 5.0, result.Winner.Bid.Value)

	require.Len(t, env.signals.calls, 1)
	assert.ElementsMatch(t, []string{"price_boost", "other"}, env.signals.calls["https://kv.a.example"])
}

func TestRunAdSelectionWithTrace(t *testing.T) {
	env := newTestEnv(t, map[string]string{"https://a.example/fixed.lua": fixedBidScript}, false,
		audience(buyerA, "shoes", "https://a.example/fixed.lua", pricedAd("https://a.example/ad/1", 5)),
	)
	trace := &AuctionTrace{}
	result, err := env.runner.RunAdSelectionWithTrace(context.Background(), "com.example.app", baseConfig(buyerA), trace)
	require.NoError(t, err)
	require.True(t, result.HasWinner())

	stages := make([]string, len(trace.Steps))
	for i, s := range trace.Steps {
		stages[i] = s.Stage
	}
	assert.Equal(t, []string{"loaded", "filtered", "bids", "contextual", "winner"}, stages)
	assert.Equal(t, []string{"a.example/shoes"}, trace.Steps[0].CustomAudiences)
	assert.Equal(t, "https://a.example/ad/1", trace.Steps[4].Details["render_uri"])
}
