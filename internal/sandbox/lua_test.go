package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/models"
)

func newTestEngine() *LuaEngine {
	return NewLuaEngine(zap.NewNop())
}

func biddingInput() BiddingInput {
	return BiddingInput{
		CustomAudience: BiddingCustomAudience{
			Owner: "com.example.app",
			Buyer: "buyer.example",
			Name:  "shoes",
			Ads: []models.AdArgument{
				{RenderURI: "https://ads.example/1", Metadata: json.RawMessage(`{"price":2}`)},
				{RenderURI: "https://ads.example/2", Metadata: json.RawMessage(`{"price":5}`)},
			},
		},
		AuctionSignals:        json.RawMessage(`{"multiplier":2}`),
		PerBuyerSignals:       json.RawMessage(`{"floor":1}`),
		TrustedBiddingSignals: map[string]json.RawMessage{"k1": json.RawMessage(`3`)},
	}
}

const listBiddingScript = `
function generateBid(ca, auction_signals, per_buyer_signals, trusted, contextual)
  local bids = {}
  for i, ad in ipairs(ca.ads) do
    table.insert(bids, {ad = ad.metadata, bid = ad.metadata.price * auction_signals.multiplier + trusted.k1, render = ad.render_uri})
  end
  return bids
end
`

func TestLuaEngine_GenerateBidsList(t *testing.T) {
	got, err := newTestEngine().GenerateBids(context.Background(), Script{Source: listBiddingScript}, biddingInput())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 7.0, got[0].Bid)
	assert.Equal(t, "https://ads.example/1", got[0].Render)
	assert.JSONEq(t, `{"price":2}`, string(got[0].Metadata))
	assert.Equal(t, 13.0, got[1].Bid)
}

func TestLuaEngine_GenerateBidsSingleAndEmpty(t *testing.T) {
	engine := newTestEngine()

	single := `function generateBid(ca) return {bid = 1.5, render = ca.ads[1].render_uri} end`
	got, err := engine.GenerateBids(context.Background(), Script{Source: single, Version: 3}, biddingInput())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.5, got[0].Bid)
	assert.Nil(t, got[0].Metadata)

	none := `function generateBid(ca) return nil end`
	got, err = engine.GenerateBids(context.Background(), Script{Source: none}, biddingInput())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLuaEngine_GenerateBidsErrors(t *testing.T) {
	engine := newTestEngine()
	ctx := context.Background()

	tests := []struct {
		name    string
		script  Script
		wantErr error
	}{
		{"unknown version", Script{Source: listBiddingScript, Version: 99}, ErrUnsupportedVersion},
		{"syntax error", Script{Source: "function generateBid(ca"}, ErrScriptFailed},
		{"runtime error", Script{Source: `function generateBid(ca) error("boom") end`}, ErrScriptFailed},
		{"missing entry point", Script{Source: `function somethingElse() end`}, ErrMissingFunction},
		{"bid not a number", Script{Source: `function generateBid(ca) return {bid = "high", render = "x"} end`}, ErrInvalidOutput},
		{"missing render", Script{Source: `function generateBid(ca) return {bid = 1} end`}, ErrInvalidOutput},
		{"wrong return type", Script{Source: `function generateBid(ca) return 4 end`}, ErrInvalidOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.GenerateBids(ctx, tt.script, biddingInput())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLuaEngine_Sandboxed(t *testing.T) {
	engine := newTestEngine()

	for _, src := range []string{
		`function generateBid(ca) return {bid = os.time(), render = "x"} end`,
		`function generateBid(ca) io.write("x") return nil end`,
		`function generateBid(ca) dofile("/etc/passwd") end`,
		`function generateBid(ca) require("os") end`,
	} {
		_, err := engine.GenerateBids(context.Background(), Script{Source: src}, biddingInput())
		assert.ErrorIs(t, err, ErrScriptFailed, src)
	}
}

func TestLuaEngine_StateIsNotShared(t *testing.T) {
	engine := newTestEngine()
	src := `
counter = (counter or 0) + 1
function generateBid(ca) return {bid = counter, render = "x"} end
`
	for i := 0; i < 3; i++ {
		got, err := engine.GenerateBids(context.Background(), Script{Source: src}, biddingInput())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 1.0, got[0].Bid)
	}
}

func TestLuaEngine_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := `function generateBid(ca) while true do end end`
	start := time.Now()
	_, err := newTestEngine().GenerateBids(ctx, Script{Source: src}, biddingInput())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func scoringInput() ScoringInput {
	return ScoringInput{
		Ads: []ScoringAd{
			{Key: "ad-0", Ad: models.AdArgument{RenderURI: "https://ads.example/1"}, Bid: 2, CustomAudience: models.CustomAudienceScoringSignals{Buyer: "b1.example", Name: "shoes"}},
			{Key: "ad-1", Ad: models.AdArgument{RenderURI: "https://ads.example/2"}, Bid: 5, CustomAudience: models.CustomAudienceScoringSignals{Buyer: "b2.example", Name: "bags"}},
		},
		SellerSignals:     json.RawMessage(`{"boost":"b2.example"}`),
		ContextualSignals: map[string]json.RawMessage{"b2.example": json.RawMessage(`{"extra":10}`)},
	}
}

func TestLuaEngine_ScoreAdPerAd(t *testing.T) {
	src := `
function scoreAd(ad, bid, auction_config, seller_signals, trusted, contextual, ca)
  local score = bid
  if ca.buyer == seller_signals.boost then
    score = score + (contextual.extra or 0)
  end
  return {score = score}
end
`
	got, err := newTestEngine().ScoreAds(context.Background(), Script{Source: src}, scoringInput())
	require.NoError(t, err)
	assert.Equal(t, []AdScore{{Key: "ad-0", Score: 2}, {Key: "ad-1", Score: 15}}, got)
}

func TestLuaEngine_ScoreAdsBatched(t *testing.T) {
	src := `
function scoreAds(ads, auction_config, seller_signals, trusted, contextual)
  local total = 0
  for _, a in ipairs(ads) do total = total + a.bid end
  local out = {}
  for i = #ads, 1, -1 do
    table.insert(out, {key = ads[i].key, score = ads[i].bid / total})
  end
  return out
end
`
	got, err := newTestEngine().ScoreAds(context.Background(), Script{Source: src}, scoringInput())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ad-1", got[0].Key)
	assert.InDelta(t, 5.0/7.0, got[0].Score, 1e-9)
	assert.Equal(t, "ad-0", got[1].Key)
}

func TestLuaEngine_ScoreAdsErrors(t *testing.T) {
	engine := newTestEngine()

	_, err := engine.ScoreAds(context.Background(), Script{Source: `function scoreAd() error("nope") end`}, scoringInput())
	assert.ErrorIs(t, err, ErrScriptFailed)

	_, err = engine.ScoreAds(context.Background(), Script{Source: `function scoreAd() return "high" end`}, scoringInput())
	assert.ErrorIs(t, err, ErrInvalidOutput)

	_, err = engine.ScoreAds(context.Background(), Script{Source: `function scoreAds() return {{score = 1}} end`}, scoringInput())
	assert.ErrorIs(t, err, ErrInvalidOutput)

	_, err = engine.ScoreAds(context.Background(), Script{Source: `x = 1`}, scoringInput())
	assert.ErrorIs(t, err, ErrMissingFunction)
}

const maxBidSelection = `
function selectOutcome(outcomes, signals)
  local best = nil
  for _, o in ipairs(outcomes) do
    if best == nil or o.bid > best.bid then best = o end
  end
  return best
end
`

func TestLuaEngine_SelectOutcome(t *testing.T) {
	engine := newTestEngine()
	outcomes := []SelectionOutcome{
		{ID: "1", Bid: 3, RenderURI: "https://ads.example/1"},
		{ID: "9007199254740993", Bid: 7, RenderURI: "https://ads.example/2"},
	}

	id, ok, err := engine.SelectOutcome(context.Background(), Script{Source: maxBidSelection}, outcomes, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "9007199254740993", id)

	id, ok, err = engine.SelectOutcome(context.Background(), Script{Source: maxBidSelection}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	_, _, err = engine.SelectOutcome(context.Background(), Script{Source: `function selectOutcome() return {id = 5} end`}, outcomes, nil)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestBiddingSignatureFor(t *testing.T) {
	sig, err := BiddingSignatureFor(0)
	require.NoError(t, err)
	assert.Equal(t, CurrentBiddingVersion, sig.Version)
	assert.Equal(t, 5, sig.Args)
	assert.Equal(t, "generateBid", sig.Function)

	_, err = BiddingSignatureFor(2)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	assert.Equal(t, []int{3}, SupportedBiddingVersions())
}
