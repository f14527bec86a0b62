package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when an auction or selection configuration is
// missing a required field.
var ErrInvalidConfig = errors.New("invalid configuration")

// AuctionConfig is the seller's configuration for one ad selection.
type AuctionConfig struct {
	Seller               string   `json:"seller"`
	DecisionLogicURI     string   `json:"decision_logic_uri"`
	CustomAudienceBuyers []string `json:"custom_audience_buyers"`
	// AdSelectionSignals are shared with every buyer as auction signals.
	AdSelectionSignals json.RawMessage `json:"ad_selection_signals,omitempty"`
	// SellerSignals are only visible to the seller's scoring logic.
	SellerSignals             json.RawMessage            `json:"seller_signals,omitempty"`
	PerBuyerSignals           map[string]json.RawMessage `json:"per_buyer_signals,omitempty"`
	PerBuyerContextualSignals map[string]json.RawMessage `json:"per_buyer_contextual_signals,omitempty"`
	TrustedScoringSignalsURI  string                     `json:"trusted_scoring_signals_uri,omitempty"`
	BuyerContextualAds        map[string]ContextualAds   `json:"buyer_contextual_ads,omitempty"`
}

// Validate checks the fields every auction needs.
func (c AuctionConfig) Validate() error {
	if c.Seller == "" {
		return fmt.Errorf("%w: seller is required", ErrInvalidConfig)
	}
	if c.DecisionLogicURI == "" {
		return fmt.Errorf("%w: decision logic uri is required", ErrInvalidConfig)
	}
	for _, raw := range []json.RawMessage{c.AdSelectionSignals, c.SellerSignals} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: signals must be valid json", ErrInvalidConfig)
		}
	}
	for buyer, raw := range c.PerBuyerSignals {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: per buyer signals for %s must be valid json", ErrInvalidConfig, buyer)
		}
	}
	for buyer, ads := range c.BuyerContextualAds {
		if ads.Buyer != "" && ads.Buyer != buyer {
			return fmt.Errorf("%w: contextual ads keyed by %s belong to %s", ErrInvalidConfig, buyer, ads.Buyer)
		}
	}
	return nil
}

// SelectionConfig configures outcome selection over persisted auction winners.
type SelectionConfig struct {
	Seller            string          `json:"seller"`
	SelectionSignals  json.RawMessage `json:"selection_signals,omitempty"`
	SelectionLogicURI string          `json:"selection_logic_uri"`
	AdSelectionIDs    []int64         `json:"ad_selection_ids"`
}

// Validate checks the fields every outcome selection needs.
func (c SelectionConfig) Validate() error {
	if c.SelectionLogicURI == "" {
		return fmt.Errorf("%w: selection logic uri is required", ErrInvalidConfig)
	}
	if len(c.SelectionSignals) > 0 && !json.Valid(c.SelectionSignals) {
		return fmt.Errorf("%w: selection signals must be valid json", ErrInvalidConfig)
	}
	return nil
}
