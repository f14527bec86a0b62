// Package histogram records win and interaction events against the ad counter
// keys of auction winners. The recorded events drive frequency capping.
package histogram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/logic/counterkeys"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

// ErrInvalidEventType is returned for event types that cannot be reported
// through RecordNonWin.
var ErrInvalidEventType = errors.New("histogram: invalid event type")

// EventStore persists histogram events.
type EventStore interface {
	RecordHistogramEvents(ctx context.Context, events []models.HistogramEvent) error
}

// WinnerReader loads a persisted auction winner.
type WinnerReader interface {
	GetWinnerRecord(ctx context.Context, adSelectionID int64) (models.WinnerRecord, error)
}

// Updater writes histogram events for auction winners.
type Updater struct {
	events  EventStore
	winners WinnerReader
	metrics observability.MetricsRegistry
	logger  *zap.Logger
	nowFn   func() time.Time
}

// NewUpdater wires an updater. winners is only needed by RecordNonWin.
func NewUpdater(events EventStore, winners WinnerReader, metrics observability.MetricsRegistry, logger *zap.Logger) *Updater {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Updater{
		events:  events,
		winners: winners,
		metrics: metrics,
		logger:  observability.Component(logger, "histogram"),
		nowFn:   time.Now,
	}
}

// RecordWin records one win event per counter key of the winning ad. All
// events share one timestamp.
func (u *Updater) RecordWin(ctx context.Context, winner *models.ScoringOutcome) error {
	if winner == nil {
		return counterkeys.ErrNilArgument
	}
	keys := winner.Bid.Ad.AdCounterKeys
	if len(keys) == 0 {
		return nil
	}
	now := u.nowFn()
	events := make([]models.HistogramEvent, len(keys))
	for i, key := range keys {
		events[i] = models.HistogramEvent{
			AdCounterKey:        key,
			Buyer:               winner.CustomAudience.Buyer,
			CustomAudienceOwner: winner.CustomAudience.Owner,
			CustomAudienceName:  winner.CustomAudience.Name,
			Type:                models.EventWin,
			Timestamp:           now,
		}
	}
	if err := u.events.RecordHistogramEvents(ctx, events); err != nil {
		return fmt.Errorf("record win events: %w", err)
	}
	u.metrics.AddHistogramEvents(string(models.EventWin), len(events))
	return nil
}

// RecordNonWin records an impression, view or click on a previous auction
// winner. Unknown ad selections and ones owned by another caller are ignored.
// A zero at is replaced by the current time.
func (u *Updater) RecordNonWin(ctx context.Context, adSelectionID int64, caller string, eventType models.EventType, at time.Time) error {
	if eventType == models.EventWin {
		return fmt.Errorf("%w: wins are recorded by the auction", ErrInvalidEventType)
	}
	if _, ok := models.ParseEventType(string(eventType)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	record, err := u.winners.GetWinnerRecord(ctx, adSelectionID)
	if errors.Is(err, models.ErrNotFound) {
		u.logger.Debug("ignoring event for unknown ad selection",
			zap.Int64("ad_selection_id", adSelectionID),
			zap.String("event_type", string(eventType)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load winner record: %w", err)
	}
	if record.CallerPackage != caller {
		u.logger.Debug("ignoring event from caller that did not run the auction",
			zap.Int64("ad_selection_id", adSelectionID),
			zap.String("caller", caller))
		return nil
	}
	if len(record.AdCounterKeys) == 0 {
		return nil
	}

	if at.IsZero() {
		at = u.nowFn()
	}
	events := make([]models.HistogramEvent, len(record.AdCounterKeys))
	for i, key := range record.AdCounterKeys {
		events[i] = models.HistogramEvent{
			AdCounterKey:        key,
			Buyer:               record.Buyer,
			CustomAudienceOwner: record.CustomAudienceOwner,
			CustomAudienceName:  record.CustomAudienceName,
			Type:                eventType,
			Timestamp:           at,
		}
	}
	if err := u.events.RecordHistogramEvents(ctx, events); err != nil {
		return fmt.Errorf("record %s events: %w", eventType, err)
	}
	u.metrics.AddHistogramEvents(string(eventType), len(events))
	return nil
}
