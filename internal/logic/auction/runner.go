// Package auction orchestrates one on-device ad selection: it loads the
// configured buyers' custom audiences, filters them, runs bidding for each
// audience in parallel, scores every bid with the seller's logic, persists the
// winner and records its win events.
package auction

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/adselection/internal/analytics"
	"github.com/patrickwarner/adselection/internal/logic/bidding"
	"github.com/patrickwarner/adselection/internal/logic/counterkeys"
	"github.com/patrickwarner/adselection/internal/logic/filters"
	"github.com/patrickwarner/adselection/internal/logic/scoring"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

// Bidder produces at most one bidding outcome for a custom audience.
type Bidder interface {
	GenerateBid(ctx context.Context, ca models.CustomAudience, signals bidding.Signals, trusted map[string]json.RawMessage) (*models.BiddingOutcome, error)
}

// Scorer scores all bidding outcomes of an auction.
type Scorer interface {
	Score(ctx context.Context, outcomes []models.BiddingOutcome, cfg models.AuctionConfig) ([]models.ScoringOutcome, error)
}

// SignalsFetcher downloads trusted bidding signals.
type SignalsFetcher interface {
	FetchBiddingSignals(ctx context.Context, uri string, keys []string) (map[string]json.RawMessage, error)
}

// WinnerStore persists auction winners.
type WinnerStore interface {
	InsertWinnerRecord(ctx context.Context, r models.WinnerRecord) error
}

// WinRecorder records win events for the winner's counter keys.
type WinRecorder interface {
	RecordWin(ctx context.Context, winner *models.ScoringOutcome) error
}

// Deps are the collaborators of a Runner. Signals, Histograms and Analytics
// are optional.
type Deps struct {
	Audiences  models.CustomAudienceSource
	Filter     filters.AdFilterer
	Signals    SignalsFetcher
	Bidder     Bidder
	Scorer     Scorer
	Copier     counterkeys.Copier
	Winners    WinnerStore
	Histograms WinRecorder
	Analytics  analytics.AnalyticsService
	Metrics    observability.MetricsRegistry
	Logger     *zap.Logger
}

// Options bounds the work of one auction.
type Options struct {
	// OverallTimeout bounds the whole auction. Zero means no bound.
	OverallTimeout time.Duration
	// BiddingTimeout bounds each custom audience's bidding. Zero means no bound.
	BiddingTimeout time.Duration
	// BiddingWorkers caps concurrent bidding calls. Values below one mean one.
	BiddingWorkers int
}

// Runner runs ad selections.
type Runner struct {
	deps  Deps
	opts  Options
	idFn  func() int64
	nowFn func() time.Time
}

// NewRunner creates a runner.
func NewRunner(deps Deps, opts Options) *Runner {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoOpRegistry()
	}
	deps.Logger = observability.Component(deps.Logger, "auction")
	if deps.Copier == nil {
		deps.Copier = counterkeys.New(false)
	}
	if opts.BiddingWorkers < 1 {
		opts.BiddingWorkers = 1
	}
	return &Runner{deps: deps, opts: opts, idFn: newAdSelectionID, nowFn: time.Now}
}

// newAdSelectionID returns a random positive id.
func newAdSelectionID() int64 {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
		if id != 0 {
			return id
		}
	}
}

// RunAdSelection runs one auction for caller. A result without a winner is a
// normal outcome.
func (r *Runner) RunAdSelection(ctx context.Context, caller string, cfg models.AuctionConfig) (*models.AuctionResult, error) {
	return r.RunAdSelectionWithTrace(ctx, caller, cfg, nil)
}

// RunAdSelectionWithTrace is RunAdSelection that also records every stage in
// trace. trace may be nil.
func (r *Runner) RunAdSelectionWithTrace(ctx context.Context, caller string, cfg models.AuctionConfig, trace *AuctionTrace) (*models.AuctionResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := r.deps.Logger.With(zap.String("request_id", requestID), zap.String("seller", cfg.Seller))

	if caller == "" {
		r.deps.Metrics.IncrementAuctions("invalid")
		return nil, fmt.Errorf("%w: caller package is required", models.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		r.deps.Metrics.IncrementAuctions("invalid")
		return nil, err
	}

	if r.opts.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.OverallTimeout)
		defer cancel()
	}
	ctx, span := observability.StartStage(ctx, "auction", "ad_selection", cfg.Seller)
	defer span.End()

	fail := func(stage string, err error) (*models.AuctionResult, error) {
		span.RecordError(err)
		result := "error"
		if ctx.Err() != nil {
			result = "canceled"
		}
		r.deps.Metrics.IncrementAuctions(result)
		r.deps.Metrics.RecordAuctionLatency(time.Since(start))
		logger.Warn("ad selection failed", zap.String("stage", stage), zap.Error(err))
		return nil, err
	}

	audiences, err := r.deps.Audiences.ActiveCustomAudiences(ctx, cfg.CustomAudienceBuyers, r.nowFn())
	if err != nil {
		return fail("load", fmt.Errorf("load custom audiences: %w", err))
	}
	trace.AddAudiences("loaded", audiences)

	audiences = r.deps.Filter.FilterCustomAudiences(ctx, audiences)
	trace.AddAudiences("filtered", audiences)

	contextual, err := r.contextualOutcomes(ctx, cfg)
	if err != nil {
		return fail("contextual", err)
	}

	trusted := r.trustedSignals(ctx, audiences, logger)

	outcomes, err := r.runBidding(ctx, cfg, audiences, trusted, logger)
	if err != nil {
		return fail("bidding", err)
	}
	trace.AddOutcomes("bids", outcomes, map[string]string{"custom_audiences": strconv.Itoa(len(audiences))})

	outcomes = append(outcomes, contextual...)
	trace.AddOutcomes("contextual", contextual, nil)

	event := analytics.AuctionEvent{
		RequestID:     requestID,
		Seller:        cfg.Seller,
		CallerPackage: caller,
		Candidates:    len(audiences),
		Bids:          len(outcomes),
	}

	if len(outcomes) == 0 {
		return r.noWinner(ctx, start, event, trace, logger), nil
	}

	scoreCtx, scoreSpan := observability.StartStage(ctx, "auction", "scoring", cfg.Seller)
	scored, err := r.deps.Scorer.Score(scoreCtx, outcomes, cfg)
	scoreSpan.End()
	if err != nil {
		return fail("scoring", err)
	}

	winner := scoring.SelectWinner(scored)
	if winner == nil {
		return r.noWinner(ctx, start, event, trace, logger), nil
	}

	record := models.WinnerRecord{
		AdSelectionID:            r.idFn(),
		CallerPackage:            caller,
		Seller:                   cfg.Seller,
		Buyer:                    winner.Buyer(),
		CustomAudienceOwner:      winner.CustomAudience.Owner,
		CustomAudienceName:       winner.CustomAudience.Name,
		WinningAdRenderURI:       winner.Bid.Ad.RenderURI,
		WinningBid:               winner.Bid.Value,
		WinningScore:             winner.Score,
		BiddingLogicURI:          winner.CustomAudience.BiddingLogicURI,
		BuyerDecisionLogicScript: winner.Logic.Script,
		SellerDecisionLogicURI:   cfg.DecisionLogicURI,
		CreatedAt:                r.nowFn(),
	}
	record, err = r.deps.Copier.ToWinnerRecord(record, winner)
	if err != nil {
		return fail("persist", err)
	}
	if err := r.deps.Winners.InsertWinnerRecord(ctx, record); err != nil {
		return fail("persist", fmt.Errorf("persist winner: %w", err))
	}

	if r.deps.Histograms != nil {
		if err := r.deps.Histograms.RecordWin(ctx, winner); err != nil {
			logger.Warn("failed to record win events",
				zap.Int64("ad_selection_id", record.AdSelectionID),
				zap.Error(err))
		}
	}

	trace.AddStepWithDetails("winner", map[string]string{
		"ad_selection_id": strconv.FormatInt(record.AdSelectionID, 10),
		"buyer":           record.Buyer,
		"render_uri":      record.WinningAdRenderURI,
		"bid":             strconv.FormatFloat(record.WinningBid, 'f', -1, 64),
		"score":           strconv.FormatFloat(record.WinningScore, 'f', -1, 64),
	})
	span.SetAttributes(
		attribute.Int64("adselection.id", record.AdSelectionID),
		attribute.String("adselection.buyer", record.Buyer),
	)

	event.AdSelectionID = record.AdSelectionID
	event.Buyer = record.Buyer
	event.RenderURI = record.WinningAdRenderURI
	event.Bid = record.WinningBid
	event.Score = record.WinningScore
	event.Result = "won"
	event.Latency = time.Since(start)
	r.recordAnalytics(ctx, event, logger)

	r.deps.Metrics.IncrementAuctions("won")
	r.deps.Metrics.RecordAuctionLatency(time.Since(start))
	logger.Debug("ad selection completed",
		zap.Int64("ad_selection_id", record.AdSelectionID),
		zap.String("buyer", record.Buyer),
		zap.Float64("bid", record.WinningBid))

	return &models.AuctionResult{
		AdSelectionID: record.AdSelectionID,
		RenderURI:     record.WinningAdRenderURI,
		Winner:        winner,
	}, nil
}

func (r *Runner) noWinner(ctx context.Context, start time.Time, event analytics.AuctionEvent, trace *AuctionTrace, logger *zap.Logger) *models.AuctionResult {
	trace.AddStepWithDetails("no_winner", nil)
	event.Result = "no_winner"
	event.Latency = time.Since(start)
	r.recordAnalytics(ctx, event, logger)
	r.deps.Metrics.IncrementAuctions("no_winner")
	r.deps.Metrics.RecordAuctionLatency(time.Since(start))
	return &models.AuctionResult{}
}

func (r *Runner) recordAnalytics(ctx context.Context, event analytics.AuctionEvent, logger *zap.Logger) {
	if r.deps.Analytics == nil {
		return
	}
	if err := r.deps.Analytics.RecordAuction(ctx, event); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
		logger.Warn("failed to record auction event", zap.Error(err))
	}
}

// trustedSignals downloads trusted bidding signals once per distinct URI with
// the union of the keys its audiences need. A failed download leaves that URI
// without signals.
func (r *Runner) trustedSignals(ctx context.Context, audiences []models.CustomAudience, logger *zap.Logger) map[string]map[string]json.RawMessage {
	keysByURI := make(map[string][]string)
	for _, ca := range audiences {
		if ca.TrustedBiddingData == nil || ca.TrustedBiddingData.URI == "" {
			continue
		}
		uri := ca.TrustedBiddingData.URI
		keysByURI[uri] = append(keysByURI[uri], ca.TrustedBiddingData.Keys...)
	}
	out := make(map[string]map[string]json.RawMessage, len(keysByURI))
	if len(keysByURI) == 0 || r.deps.Signals == nil {
		return out
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.BiddingWorkers)
	for uri, keys := range keysByURI {
		g.Go(func() error {
			signals, err := r.deps.Signals.FetchBiddingSignals(ctx, uri, keys)
			if err != nil {
				logger.Warn("trusted bidding signals unavailable", zap.String("uri", uri), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[uri] = signals
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// runBidding runs every audience's bidding concurrently. Failures and timeouts
// of single audiences only drop that audience. Cancellation of ctx aborts the
// auction and discards partial results.
func (r *Runner) runBidding(ctx context.Context, cfg models.AuctionConfig, audiences []models.CustomAudience, trusted map[string]map[string]json.RawMessage, logger *zap.Logger) ([]models.BiddingOutcome, error) {
	ctx, span := observability.StartStage(ctx, "auction", "bidding", cfg.Seller)
	defer span.End()

	results := make([]*models.BiddingOutcome, len(audiences))
	var g errgroup.Group
	g.SetLimit(r.opts.BiddingWorkers)
	for i, ca := range audiences {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			bidCtx := ctx
			if r.opts.BiddingTimeout > 0 {
				var cancel context.CancelFunc
				bidCtx, cancel = context.WithTimeout(ctx, r.opts.BiddingTimeout)
				defer cancel()
			}

			var signals map[string]json.RawMessage
			if ca.TrustedBiddingData != nil {
				signals = trusted[ca.TrustedBiddingData.URI]
			}
			out, err := r.deps.Bidder.GenerateBid(bidCtx, ca, bidding.Signals{
				AuctionSignals:    cfg.AdSelectionSignals,
				PerBuyerSignals:   cfg.PerBuyerSignals[ca.Buyer],
				ContextualSignals: cfg.PerBuyerContextualSignals[ca.Buyer],
			}, signals)
			switch {
			case err != nil:
				reason := "error"
				switch {
				case bidCtx.Err() != nil && ctx.Err() == nil:
					reason = "timeout"
				case errors.Is(err, sandbox.ErrUnsupportedVersion):
					reason = "unsupported_version"
				}
				r.deps.Metrics.IncrementBiddingOutcome(reason)
				logger.Info("custom audience excluded from auction",
					zap.String("buyer", ca.Buyer),
					zap.String("custom_audience", ca.Name),
					zap.String("reason", reason),
					zap.Error(err))
			case out == nil:
				r.deps.Metrics.IncrementBiddingOutcome("no_bid")
			default:
				r.deps.Metrics.IncrementBiddingOutcome("bid")
				results[i] = out
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bidding aborted: %w", err)
	}

	outcomes := make([]models.BiddingOutcome, 0, len(results))
	for _, out := range results {
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, nil
}

// contextualOutcomes turns the configured contextual ads into bidding outcomes.
// Buyers are visited in name order. Their bidding logic is not downloaded.
func (r *Runner) contextualOutcomes(ctx context.Context, cfg models.AuctionConfig) ([]models.BiddingOutcome, error) {
	if len(cfg.BuyerContextualAds) == 0 {
		return nil, nil
	}
	buyers := make([]string, 0, len(cfg.BuyerContextualAds))
	for buyer := range cfg.BuyerContextualAds {
		buyers = append(buyers, buyer)
	}
	sort.Strings(buyers)

	var out []models.BiddingOutcome
	for _, buyer := range buyers {
		ads := cfg.BuyerContextualAds[buyer]
		if ads.Buyer == "" {
			ads.Buyer = buyer
		}
		ads = r.deps.Filter.FilterContextualAds(ctx, ads)
		for i := range ads.Ads {
			ad := &ads.Ads[i]
			if math.IsNaN(ad.Bid) || math.IsInf(ad.Bid, 0) || ad.Bid <= 0 {
				r.deps.Metrics.IncrementBiddingOutcome("invalid_bid")
				continue
			}
			arg := models.AdArgument{RenderURI: ad.Ad.RenderURI, Metadata: ad.Ad.Metadata}
			arg, err := r.deps.Copier.FromCandidate(arg, &ad.Ad)
			if err != nil {
				return nil, fmt.Errorf("contextual ad for %s: %w", buyer, err)
			}
			out = append(out, models.BiddingOutcome{
				Bid: models.Bid{Ad: arg, Value: ad.Bid},
				CustomAudience: models.CustomAudienceInfo{
					Buyer:           buyer,
					BiddingLogicURI: ads.DecisionLogicURI,
				},
				Logic: models.BuyerDecisionLogic{URI: ads.DecisionLogicURI},
			})
		}
	}
	return out, nil
}
