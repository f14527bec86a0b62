package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCustomAudience is returned when a joined custom audience is malformed.
var ErrInvalidCustomAudience = errors.New("invalid custom audience")

// TrustedBiddingData points at the key/value server holding a buyer's trusted
// bidding signals and names the keys the audience needs from it.
type TrustedBiddingData struct {
	URI  string   `json:"uri"`
	Keys []string `json:"keys"`
}

// CustomAudience is a buyer-defined group of candidate ads sharing bidding logic
// and trusted signals. It is loaded read-only for each auction.
type CustomAudience struct {
	Owner              string              `json:"owner"`
	Buyer              string              `json:"buyer"`
	Name               string              `json:"name"`
	ActivationTime     time.Time           `json:"activation_time"`
	ExpirationTime     time.Time           `json:"expiration_time"`
	BiddingLogicURI    string              `json:"bidding_logic_uri"`
	UserBiddingSignals json.RawMessage     `json:"user_bidding_signals,omitempty"`
	TrustedBiddingData *TrustedBiddingData `json:"trusted_bidding_data,omitempty"`
	Ads                []AdRecord          `json:"ads"`
}

// IsActive reports whether the audience may take part in an auction at now.
// A zero activation or expiration time leaves that side of the window open.
func (ca CustomAudience) IsActive(now time.Time) bool {
	if !ca.ActivationTime.IsZero() && now.Before(ca.ActivationTime) {
		return false
	}
	if !ca.ExpirationTime.IsZero() && !now.Before(ca.ExpirationTime) {
		return false
	}
	return true
}

// Validate checks the fields required to join an audience. Render URIs must be
// unique within the audience since bids are correlated back to ads by render URI.
func (ca CustomAudience) Validate() error {
	if ca.Buyer == "" || ca.Name == "" || ca.BiddingLogicURI == "" {
		return fmt.Errorf("%w: buyer, name and bidding_logic_uri required", ErrInvalidCustomAudience)
	}
	if !ca.ExpirationTime.IsZero() && !ca.ExpirationTime.After(ca.ActivationTime) {
		return fmt.Errorf("%w: expiration_time must be after activation_time", ErrInvalidCustomAudience)
	}
	seen := make(map[string]struct{}, len(ca.Ads))
	for _, ad := range ca.Ads {
		if ad.RenderURI == "" {
			return fmt.Errorf("%w: ad render_uri required", ErrInvalidCustomAudience)
		}
		if _, ok := seen[ad.RenderURI]; ok {
			return fmt.Errorf("%w: duplicate render_uri %q", ErrInvalidCustomAudience, ad.RenderURI)
		}
		seen[ad.RenderURI] = struct{}{}
	}
	return nil
}

// WithAds returns a shallow copy of the audience carrying the given ads.
func (ca CustomAudience) WithAds(ads []AdRecord) CustomAudience {
	ca.Ads = ads
	return ca
}

// Info returns the reporting signals of the audience.
func (ca CustomAudience) Info() CustomAudienceInfo {
	return CustomAudienceInfo{
		Owner:           ca.Owner,
		Buyer:           ca.Buyer,
		Name:            ca.Name,
		BiddingLogicURI: ca.BiddingLogicURI,
	}
}

// CustomAudienceInfo carries the reporting-relevant signals of the audience that
// produced a bid.
type CustomAudienceInfo struct {
	Owner           string `json:"owner"`
	Buyer           string `json:"buyer"`
	Name            string `json:"name"`
	BiddingLogicURI string `json:"bidding_logic_uri"`
}

// ScoringSignals reduces the audience to what seller logic may see.
func (i CustomAudienceInfo) ScoringSignals() CustomAudienceScoringSignals {
	return CustomAudienceScoringSignals{Buyer: i.Buyer, Name: i.Name}
}

// CustomAudienceScoringSignals is the reduced audience record passed to scoring.
type CustomAudienceScoringSignals struct {
	Buyer string `json:"buyer"`
	Name  string `json:"name"`
}

// ContextualAd is an ad supplied with the auction configuration together with a
// bid the buyer already computed.
type ContextualAd struct {
	Ad  AdCandidate `json:"ad"`
	Bid float64     `json:"bid"`
}

// ContextualAds are a buyer's contextual ads for one auction.
type ContextualAds struct {
	Buyer            string         `json:"buyer"`
	DecisionLogicURI string         `json:"decision_logic_uri"`
	Ads              []ContextualAd `json:"ads"`
}
