// Package outcomes chooses among previously persisted auction winners with the
// caller's mediation logic.
package outcomes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

var (
	// ErrSelectionFailed is returned when selection logic could not be loaded or failed to run.
	ErrSelectionFailed = errors.New("outcomes: selection failed")
	// ErrUnknownOutcome is returned when selection logic picks an id it was not given.
	ErrUnknownOutcome = errors.New("outcomes: selected outcome was not a candidate")
)

// LogicFetcher resolves a decision logic URI to a script.
type LogicFetcher interface {
	FetchLogic(ctx context.Context, uri string, kind fetch.Kind) (sandbox.Script, error)
}

// WinnerStore loads persisted auction winners owned by a caller.
type WinnerStore interface {
	LoadWinnerRecords(ctx context.Context, caller string, ids []int64) ([]models.WinnerRecord, error)
}

// Selector runs outcome selection logic.
type Selector struct {
	fetcher LogicFetcher
	engine  sandbox.Engine
	store   WinnerStore
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewSelector wires a selector. store is only needed by SelectFromStored.
func NewSelector(fetcher LogicFetcher, engine sandbox.Engine, store WinnerStore, metrics observability.MetricsRegistry, logger *zap.Logger) *Selector {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Selector{
		fetcher: fetcher,
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  observability.Component(logger, "outcomes"),
	}
}

// Select runs the configured selection logic once over the candidates and
// returns the id it picked. A nil id means nothing was selected.
func (s *Selector) Select(ctx context.Context, candidates []models.SelectionCandidate, cfg models.SelectionConfig) (*int64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		s.metrics.IncrementOutcomeSelections("none")
		return nil, nil
	}

	script, err := s.fetcher.FetchLogic(ctx, cfg.SelectionLogicURI, fetch.KindSelection)
	if err != nil {
		s.metrics.IncrementOutcomeSelections("error")
		return nil, fmt.Errorf("%w: fetch selection logic: %w", ErrSelectionFailed, err)
	}

	known := make(map[int64]struct{}, len(candidates))
	in := make([]sandbox.SelectionOutcome, len(candidates))
	for i, c := range candidates {
		known[c.AdSelectionID] = struct{}{}
		in[i] = sandbox.SelectionOutcome{
			ID:        strconv.FormatInt(c.AdSelectionID, 10),
			Bid:       c.Bid,
			RenderURI: c.RenderURI,
		}
	}

	raw, ok, err := s.engine.SelectOutcome(ctx, script, in, cfg.SelectionSignals)
	if err != nil {
		s.metrics.IncrementOutcomeSelections("error")
		return nil, fmt.Errorf("%w: %w", ErrSelectionFailed, err)
	}
	if !ok {
		s.metrics.IncrementOutcomeSelections("none")
		return nil, nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.metrics.IncrementOutcomeSelections("error")
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutcome, raw)
	}
	if _, ok := known[id]; !ok {
		s.metrics.IncrementOutcomeSelections("error")
		return nil, fmt.Errorf("%w: %d", ErrUnknownOutcome, id)
	}
	s.metrics.IncrementOutcomeSelections("selected")
	return &id, nil
}

// SelectFromStored loads the configured winners that belong to caller and
// runs Select over them. Ids the caller does not own are left out.
func (s *Selector) SelectFromStored(ctx context.Context, caller string, cfg models.SelectionConfig) (*int64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: no winner store configured", ErrSelectionFailed)
	}
	records, err := s.store.LoadWinnerRecords(ctx, caller, cfg.AdSelectionIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: load winners: %w", ErrSelectionFailed, err)
	}
	if len(records) < len(cfg.AdSelectionIDs) {
		s.logger.Debug("ignoring ad selections not owned by caller",
			zap.String("caller", caller),
			zap.Int("requested", len(cfg.AdSelectionIDs)),
			zap.Int("found", len(records)))
	}

	candidates := make([]models.SelectionCandidate, len(records))
	for i, r := range records {
		candidates[i] = r.SelectionCandidate()
	}
	return s.Select(ctx, candidates, cfg)
}
