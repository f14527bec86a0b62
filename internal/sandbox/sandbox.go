// Package sandbox evaluates untrusted buyer and seller decision logic. The
// engine is treated as a black box with a fixed call and return contract for
// bidding, scoring and outcome selection.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/patrickwarner/adselection/internal/models"
)

var (
	// ErrUnsupportedVersion is returned for bidding logic of an unregistered version.
	ErrUnsupportedVersion = errors.New("sandbox: unsupported logic version")
	// ErrScriptFailed is returned when decision logic fails to load or raises an error.
	ErrScriptFailed = errors.New("sandbox: script failed")
	// ErrMissingFunction is returned when decision logic does not define the entry point.
	ErrMissingFunction = errors.New("sandbox: entry point not defined")
	// ErrInvalidOutput is returned when decision logic returns a malformed result.
	ErrInvalidOutput = errors.New("sandbox: invalid output")
)

// Script is decision logic together with the calling convention it was
// written for. Version 0 means the current bidding version.
type Script struct {
	Source  string
	Version int
}

// BiddingCustomAudience is the custom audience as seen by bidding logic.
type BiddingCustomAudience struct {
	Owner              string              `json:"owner"`
	Buyer              string              `json:"buyer"`
	Name               string              `json:"name"`
	UserBiddingSignals json.RawMessage     `json:"user_bidding_signals,omitempty"`
	Ads                []models.AdArgument `json:"ads"`
}

// BiddingInput holds the positional arguments of one bidding call.
type BiddingInput struct {
	CustomAudience        BiddingCustomAudience
	AuctionSignals        json.RawMessage
	PerBuyerSignals       json.RawMessage
	TrustedBiddingSignals map[string]json.RawMessage
	ContextualSignals     json.RawMessage
}

// BidCandidate is one bid returned by bidding logic. Metadata is the ad as
// returned by the script; Render identifies which of the audience's ads it is.
type BidCandidate struct {
	Metadata json.RawMessage
	Bid      float64
	Render   string
}

// ScoringAd is one bid handed to scoring logic, identified by Key.
type ScoringAd struct {
	Key            string                              `json:"key"`
	Ad             models.AdArgument                   `json:"ad"`
	Bid            float64                             `json:"bid"`
	CustomAudience models.CustomAudienceScoringSignals `json:"custom_audience"`
}

// ScoringInput holds the arguments of the batched scoring call.
type ScoringInput struct {
	Ads                   []ScoringAd
	AuctionConfig         json.RawMessage
	SellerSignals         json.RawMessage
	TrustedScoringSignals json.RawMessage
	// ContextualSignals are keyed by buyer.
	ContextualSignals map[string]json.RawMessage
}

// AdScore is the seller's score for the ad with the same Key.
type AdScore struct {
	Key   string
	Score float64
}

// SelectionOutcome is one prior auction winner handed to mediation logic. The
// id travels as a string so no precision is lost.
type SelectionOutcome struct {
	ID        string  `json:"id"`
	Bid       float64 `json:"bid"`
	RenderURI string  `json:"render_uri"`
}

// Engine runs decision logic. Implementations must honor ctx cancellation and
// must not let one call observe state left behind by another.
type Engine interface {
	// GenerateBids runs bidding logic once for a custom audience and returns
	// zero or more candidates.
	GenerateBids(ctx context.Context, script Script, in BiddingInput) ([]BidCandidate, error)
	// ScoreAds runs scoring logic once over all ads. Results are keyed and are
	// not validated against the input.
	ScoreAds(ctx context.Context, script Script, in ScoringInput) ([]AdScore, error)
	// SelectOutcome runs mediation logic once. ok is false when no outcome was selected.
	SelectOutcome(ctx context.Context, script Script, outcomes []SelectionOutcome, selectionSignals json.RawMessage) (id string, ok bool, err error)
}
