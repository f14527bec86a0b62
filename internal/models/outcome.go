package models

import "time"

// BuyerDecisionLogic caches the bidding script of the buyer that produced an
// outcome. Downloaded is false when the script has not been fetched yet; it is
// then fetched lazily when the winner is reported.
type BuyerDecisionLogic struct {
	URI        string `json:"uri"`
	Script     string `json:"script,omitempty"`
	Downloaded bool   `json:"downloaded"`
}

// BiddingOutcome is the single winning bid of one custom audience.
type BiddingOutcome struct {
	Bid            Bid                `json:"bid"`
	CustomAudience CustomAudienceInfo `json:"custom_audience"`
	Logic          BuyerDecisionLogic `json:"buyer_decision_logic"`
}

// ScoringOutcome is a bidding outcome together with the seller's score.
type ScoringOutcome struct {
	Bid            Bid                `json:"bid"`
	Score          float64            `json:"score"`
	CustomAudience CustomAudienceInfo `json:"custom_audience"`
	Logic          BuyerDecisionLogic `json:"buyer_decision_logic"`
}

// Buyer returns the buyer that produced the outcome.
func (o ScoringOutcome) Buyer() string {
	return o.CustomAudience.Buyer
}

// SelectionCandidate summarizes a previously persisted auction winner for
// outcome selection.
type SelectionCandidate struct {
	AdSelectionID int64   `json:"ad_selection_id"`
	Bid           float64 `json:"bid"`
	RenderURI     string  `json:"render_uri"`
}

// AuctionResult is the result of one ad selection. Winner is nil when no ad won,
// which is a normal outcome.
type AuctionResult struct {
	AdSelectionID int64           `json:"ad_selection_id,omitempty"`
	RenderURI     string          `json:"render_uri,omitempty"`
	Winner        *ScoringOutcome `json:"-"`
}

// HasWinner reports whether the auction produced a winner.
func (r *AuctionResult) HasWinner() bool {
	return r != nil && r.Winner != nil
}

// WinnerRecord is the persisted record of a completed auction. It is read later
// for reporting, outcome selection and histogram updates.
type WinnerRecord struct {
	AdSelectionID            int64         `json:"ad_selection_id"`
	CallerPackage            string        `json:"caller_package"`
	Seller                   string        `json:"seller"`
	Buyer                    string        `json:"buyer"`
	CustomAudienceOwner      string        `json:"custom_audience_owner,omitempty"`
	CustomAudienceName       string        `json:"custom_audience_name,omitempty"`
	WinningAdRenderURI       string        `json:"winning_ad_render_uri"`
	WinningBid               float64       `json:"winning_bid"`
	WinningScore             float64       `json:"winning_score"`
	AdCounterKeys            AdCounterKeys `json:"ad_counter_keys,omitempty"`
	BiddingLogicURI          string        `json:"bidding_logic_uri"`
	BuyerDecisionLogicScript string        `json:"buyer_decision_logic_script,omitempty"`
	SellerDecisionLogicURI   string        `json:"seller_decision_logic_uri"`
	CreatedAt                time.Time     `json:"created_at"`
}

// SelectionCandidate returns the summary used by outcome selection.
func (r WinnerRecord) SelectionCandidate() SelectionCandidate {
	return SelectionCandidate{
		AdSelectionID: r.AdSelectionID,
		Bid:           r.WinningBid,
		RenderURI:     r.WinningAdRenderURI,
	}
}

// EventType classifies a histogram event.
type EventType string

const (
	EventWin        EventType = "win"
	EventImpression EventType = "impression"
	EventView       EventType = "view"
	EventClick      EventType = "click"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{EventWin, EventImpression, EventView, EventClick}

// ParseEventType validates an event type string.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// HistogramEvent is one counted event for an ad counter key.
type HistogramEvent struct {
	AdCounterKey        string    `json:"ad_counter_key"`
	Buyer               string    `json:"buyer"`
	CustomAudienceOwner string    `json:"custom_audience_owner,omitempty"`
	CustomAudienceName  string    `json:"custom_audience_name,omitempty"`
	Type                EventType `json:"event_type"`
	Timestamp           time.Time `json:"timestamp"`
}

// HistogramQuery asks how many events of Type were recorded for AdCounterKey
// since Since. Win events are counted per custom audience when Name is set and
// per buyer otherwise; other event types are always counted per buyer.
type HistogramQuery struct {
	AdCounterKey        string
	Buyer               string
	CustomAudienceOwner string
	CustomAudienceName  string
	Type                EventType
	Since               time.Time
}
