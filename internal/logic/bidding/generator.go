// Package bidding runs a buyer's bidding logic for one custom audience and
// picks that audience's best bid.
package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/logic/counterkeys"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

// LogicFetcher resolves a decision logic URI to a script.
type LogicFetcher interface {
	FetchLogic(ctx context.Context, uri string, kind fetch.Kind) (sandbox.Script, error)
}

// Signals are the auction-wide inputs shared by every audience of one buyer.
type Signals struct {
	AuctionSignals    json.RawMessage
	PerBuyerSignals   json.RawMessage
	ContextualSignals json.RawMessage
}

// Generator produces at most one bidding outcome per custom audience.
type Generator struct {
	fetcher LogicFetcher
	engine  sandbox.Engine
	copier  counterkeys.Copier
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewGenerator wires a generator. A nil metrics registry or logger falls back
// to the no-op registry and the global logger.
func NewGenerator(fetcher LogicFetcher, engine sandbox.Engine, copier counterkeys.Copier, metrics observability.MetricsRegistry, logger *zap.Logger) *Generator {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Generator{
		fetcher: fetcher,
		engine:  engine,
		copier:  copier,
		metrics: metrics,
		logger:  observability.Component(logger, "bidding"),
	}
}

// ambiguousRender marks a render URI carried by more than one ad of an audience.
const ambiguousRender = -1

// GenerateBid runs the audience's bidding logic once and returns its highest
// valid bid. A nil outcome with a nil error means the audience did not bid.
func (g *Generator) GenerateBid(ctx context.Context, ca models.CustomAudience, signals Signals, trusted map[string]json.RawMessage) (*models.BiddingOutcome, error) {
	if len(ca.Ads) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { g.metrics.RecordBiddingLatency(time.Since(start)) }()

	script, err := g.fetcher.FetchLogic(ctx, ca.BiddingLogicURI, fetch.KindBidding)
	if err != nil {
		return nil, fmt.Errorf("fetch bidding logic: %w", err)
	}
	if _, err := sandbox.BiddingSignatureFor(script.Version); err != nil {
		return nil, err
	}

	args := make([]models.AdArgument, len(ca.Ads))
	byRender := make(map[string]int, len(ca.Ads))
	for i := range ca.Ads {
		arg := models.AdArgument{RenderURI: ca.Ads[i].RenderURI, Metadata: ca.Ads[i].Metadata}
		arg, err = g.copier.FromRecord(arg, &ca.Ads[i])
		if err != nil {
			return nil, fmt.Errorf("build ad argument: %w", err)
		}
		args[i] = arg
		if _, ok := byRender[arg.RenderURI]; ok {
			byRender[arg.RenderURI] = ambiguousRender
			continue
		}
		byRender[arg.RenderURI] = i
	}

	in := sandbox.BiddingInput{
		CustomAudience: sandbox.BiddingCustomAudience{
			Owner:              ca.Owner,
			Buyer:              ca.Buyer,
			Name:               ca.Name,
			UserBiddingSignals: ca.UserBiddingSignals,
			Ads:                args,
		},
		AuctionSignals:        signals.AuctionSignals,
		PerBuyerSignals:       signals.PerBuyerSignals,
		TrustedBiddingSignals: trustedForAudience(ca, trusted),
		ContextualSignals:     signals.ContextualSignals,
	}

	candidates, err := g.engine.GenerateBids(ctx, script, in)
	if err != nil {
		return nil, fmt.Errorf("generate bid for %s/%s: %w", ca.Buyer, ca.Name, err)
	}

	best := -1
	for i, c := range candidates {
		if math.IsNaN(c.Bid) || math.IsInf(c.Bid, 0) || c.Bid <= 0 {
			g.metrics.IncrementBiddingOutcome("invalid_bid")
			g.logger.Debug("discarding invalid bid",
				zap.String("buyer", ca.Buyer),
				zap.String("custom_audience", ca.Name),
				zap.Float64("bid", c.Bid))
			continue
		}
		idx, ok := byRender[c.Render]
		if !ok {
			g.metrics.IncrementBiddingOutcome("unknown_render")
			g.logger.Debug("discarding bid for unknown ad",
				zap.String("buyer", ca.Buyer),
				zap.String("custom_audience", ca.Name),
				zap.String("render_uri", c.Render))
			continue
		}
		// counter keys of a shared render URI cannot be attributed to one ad
		if idx == ambiguousRender {
			g.metrics.IncrementBiddingOutcome("ambiguous_render")
			g.logger.Warn("discarding bid for render uri shared by several ads",
				zap.String("buyer", ca.Buyer),
				zap.String("custom_audience", ca.Name),
				zap.String("render_uri", c.Render))
			continue
		}
		if best < 0 || c.Bid > candidates[best].Bid {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}

	winner := candidates[best]
	source := args[byRender[winner.Render]]
	ad := models.AdArgument{RenderURI: winner.Render, Metadata: source.Metadata}
	if len(winner.Metadata) > 0 {
		ad.Metadata = winner.Metadata
	}
	ad, err = g.copier.FromArgument(ad, &source)
	if err != nil {
		return nil, fmt.Errorf("copy counter keys: %w", err)
	}

	return &models.BiddingOutcome{
		Bid:            models.Bid{Ad: ad, Value: winner.Bid},
		CustomAudience: ca.Info(),
		Logic: models.BuyerDecisionLogic{
			URI:        ca.BiddingLogicURI,
			Script:     script.Source,
			Downloaded: true,
		},
	}, nil
}

// trustedForAudience keeps only the trusted signals the audience asked for.
func trustedForAudience(ca models.CustomAudience, trusted map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if ca.TrustedBiddingData == nil {
		return out
	}
	for _, key := range ca.TrustedBiddingData.Keys {
		if v, ok := trusted[key]; ok {
			out[key] = v
		}
	}
	return out
}
