package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/adselection/internal/models"
)

var _ AnalyticsService = (*MockAnalytics)(nil)

// InteractionRecord is an interaction captured by MockAnalytics.
type InteractionRecord struct {
	AdSelectionID int64
	Caller        string
	EventType     models.EventType
}

// MockAnalytics is an in-memory AnalyticsService for testing. Err, when set,
// is returned by every call.
type MockAnalytics struct {
	mu           sync.Mutex
	Auctions     []AuctionEvent
	Interactions []InteractionRecord
	Err          error
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordAuction captures the event.
func (m *MockAnalytics) RecordAuction(ctx context.Context, ev AuctionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Auctions = append(m.Auctions, ev)
	return nil
}

// RecordInteraction captures the interaction.
func (m *MockAnalytics) RecordInteraction(ctx context.Context, adSelectionID int64, caller string, eventType models.EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Interactions = append(m.Interactions, InteractionRecord{AdSelectionID: adSelectionID, Caller: caller, EventType: eventType})
	return nil
}

// AuctionEvents returns a copy of the captured auctions.
func (m *MockAnalytics) AuctionEvents() []AuctionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuctionEvent(nil), m.Auctions...)
}
