// Package scoring runs the seller's scoring logic over all bidding outcomes of
// an auction and picks the winner.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

var (
	// ErrScoringFailed is returned when scoring logic could not be loaded or failed to run.
	ErrScoringFailed = errors.New("scoring: scoring failed")
	// ErrContractViolation is returned when scoring logic ran but its output does not
	// correspond to its input.
	ErrContractViolation = errors.New("scoring: contract violation")
)

// LogicFetcher resolves a decision logic URI to a script.
type LogicFetcher interface {
	FetchLogic(ctx context.Context, uri string, kind fetch.Kind) (sandbox.Script, error)
}

// SignalsFetcher downloads trusted scoring signals for a set of render URIs.
type SignalsFetcher interface {
	FetchScoringSignals(ctx context.Context, uri string, renderURIs []string) (json.RawMessage, error)
}

// Generator scores bidding outcomes with the seller's decision logic.
type Generator struct {
	fetcher LogicFetcher
	signals SignalsFetcher
	engine  sandbox.Engine
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewGenerator wires a score generator. signals may be nil when no seller
// uses trusted scoring signals.
func NewGenerator(fetcher LogicFetcher, signals SignalsFetcher, engine sandbox.Engine, metrics observability.MetricsRegistry, logger *zap.Logger) *Generator {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Generator{
		fetcher: fetcher,
		signals: signals,
		engine:  engine,
		metrics: metrics,
		logger:  observability.Component(logger, "scoring"),
	}
}

func adKey(i int) string {
	return "ad-" + strconv.Itoa(i)
}

// Score runs the seller's logic once over all outcomes. The result is ordered
// as the logic returned the scores. Every input outcome appears exactly once.
func (g *Generator) Score(ctx context.Context, outcomes []models.BiddingOutcome, cfg models.AuctionConfig) ([]models.ScoringOutcome, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { g.metrics.RecordScoringLatency(time.Since(start)) }()

	script, err := g.fetcher.FetchLogic(ctx, cfg.DecisionLogicURI, fetch.KindScoring)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch scoring logic: %w", ErrScoringFailed, err)
	}

	byKey := make(map[string]int, len(outcomes))
	ads := make([]sandbox.ScoringAd, len(outcomes))
	renderURIs := make([]string, len(outcomes))
	for i, o := range outcomes {
		key := adKey(i)
		byKey[key] = i
		ads[i] = sandbox.ScoringAd{
			Key:            key,
			Ad:             o.Bid.Ad,
			Bid:            o.Bid.Value,
			CustomAudience: o.CustomAudience.ScoringSignals(),
		}
		renderURIs[i] = o.Bid.Ad.RenderURI
	}

	sellerView := cfg
	sellerView.BuyerContextualAds = nil
	auctionConfig, err := json.Marshal(sellerView)
	if err != nil {
		return nil, fmt.Errorf("%w: encode auction config: %w", ErrScoringFailed, err)
	}

	in := sandbox.ScoringInput{
		Ads:                   ads,
		AuctionConfig:         auctionConfig,
		SellerSignals:         cfg.SellerSignals,
		TrustedScoringSignals: g.trustedSignals(ctx, cfg, renderURIs),
		ContextualSignals:     cfg.PerBuyerContextualSignals,
	}

	scores, err := g.engine.ScoreAds(ctx, script, in)
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidOutput) {
			return nil, fmt.Errorf("%w: %w", ErrContractViolation, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrScoringFailed, err)
	}
	if len(scores) != len(outcomes) {
		return nil, fmt.Errorf("%w: got %d scores for %d ads", ErrContractViolation, len(scores), len(outcomes))
	}

	seen := make(map[string]struct{}, len(scores))
	out := make([]models.ScoringOutcome, 0, len(scores))
	for _, s := range scores {
		i, ok := byKey[s.Key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown ad key %q", ErrContractViolation, s.Key)
		}
		if _, dup := seen[s.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate ad key %q", ErrContractViolation, s.Key)
		}
		seen[s.Key] = struct{}{}
		if math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			return nil, fmt.Errorf("%w: non-finite score for %q", ErrContractViolation, s.Key)
		}
		o := outcomes[i]
		out = append(out, models.ScoringOutcome{
			Bid:            o.Bid,
			Score:          s.Score,
			CustomAudience: o.CustomAudience,
			Logic:          o.Logic,
		})
	}
	return out, nil
}

// trustedSignals downloads the seller's trusted scoring signals. Failures are
// logged and scoring continues without them.
func (g *Generator) trustedSignals(ctx context.Context, cfg models.AuctionConfig, renderURIs []string) json.RawMessage {
	if cfg.TrustedScoringSignalsURI == "" || g.signals == nil {
		return nil
	}
	signals, err := g.signals.FetchScoringSignals(ctx, cfg.TrustedScoringSignalsURI, renderURIs)
	if err != nil {
		g.logger.Warn("trusted scoring signals unavailable",
			zap.String("seller", cfg.Seller),
			zap.Error(err))
		return nil
	}
	return signals
}

// SelectWinner returns the outcome with the highest positive score. Ties go to
// the outcome that comes first. Nil means no outcome won.
func SelectWinner(outcomes []models.ScoringOutcome) *models.ScoringOutcome {
	best := -1
	for i := range outcomes {
		if outcomes[i].Score <= 0 {
			continue
		}
		if best < 0 || outcomes[i].Score > outcomes[best].Score {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	winner := outcomes[best]
	return &winner
}
