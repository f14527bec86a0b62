package outcomes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

const selectionURI = "https://app.example/mediation.lua"

const highestBidScript = `
function selectOutcome(outcomes, selection_signals)
  local best = nil
  for _, o in ipairs(outcomes) do
    if best == nil or o.bid > best.bid then best = o end
  end
  return best
end
`

type stubFetcher struct {
	source string
	calls  int
}

func (f *stubFetcher) FetchLogic(_ context.Context, uri string, kind fetch.Kind) (sandbox.Script, error) {
	f.calls++
	if uri != selectionURI || kind != fetch.KindSelection {
		return sandbox.Script{}, fetch.ErrFetchFailed
	}
	return sandbox.Script{Source: f.source}, nil
}

type stubStore struct {
	records []models.WinnerRecord
	caller  string
	ids     []int64
}

func (s *stubStore) LoadWinnerRecords(_ context.Context, caller string, ids []int64) ([]models.WinnerRecord, error) {
	s.caller = caller
	s.ids = ids
	var out []models.WinnerRecord
	for _, id := range ids {
		for _, r := range s.records {
			if r.AdSelectionID == id && r.CallerPackage == caller {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func cfg() models.SelectionConfig {
	return models.SelectionConfig{SelectionLogicURI: selectionURI}
}

func newTestSelector(source string, store WinnerStore) (*Selector, *stubFetcher, *observability.MockMetricsRegistry) {
	f := &stubFetcher{source: source}
	metrics := observability.NewMockMetricsRegistry()
	return NewSelector(f, sandbox.NewLuaEngine(zap.NewNop()), store, metrics, zap.NewNop()), f, metrics
}

func TestSelect_PicksOutcome(t *testing.T) {
	s, _, metrics := newTestSelector(highestBidScript, nil)
	candidates := []models.SelectionCandidate{
		{AdSelectionID: 1, Bid: 3.0},
		{AdSelectionID: 2, Bid: 7.0},
	}

	id, err := s.Select(context.Background(), candidates, cfg())
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(2), *id)
	assert.Equal(t, 1, metrics.Count("outcome_selections:selected"))
}

func TestSelect_LargeIDsKeepPrecision(t *testing.T) {
	s, _, _ := newTestSelector(highestBidScript, nil)
	big := int64(1<<62 + 1)
	id, err := s.Select(context.Background(), []models.SelectionCandidate{{AdSelectionID: big, Bid: 1}}, cfg())
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, big, *id)
}

func TestSelect_EmptyInputSkipsLogic(t *testing.T) {
	s, f, _ := newTestSelector(highestBidScript, nil)
	id, err := s.Select(context.Background(), nil, cfg())
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Zero(t, f.calls)
}

func TestSelect_NothingSelected(t *testing.T) {
	s, _, metrics := newTestSelector(`function selectOutcome() return nil end`, nil)
	id, err := s.Select(context.Background(), []models.SelectionCandidate{{AdSelectionID: 1, Bid: 1}}, cfg())
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, 1, metrics.Count("outcome_selections:none"))
}

func TestSelect_Errors(t *testing.T) {
	candidates := []models.SelectionCandidate{{AdSelectionID: 1, Bid: 1}}

	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"unknown id", `function selectOutcome() return "99" end`, ErrUnknownOutcome},
		{"non numeric id", `function selectOutcome() return {id = "abc"} end`, ErrUnknownOutcome},
		{"numeric id", `function selectOutcome() return {id = 1} end`, ErrSelectionFailed},
		{"runtime error", `function selectOutcome() error("boom") end`, ErrSelectionFailed},
		{"missing function", `function other() end`, ErrSelectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSelector(tt.script, nil)
			_, err := s.Select(context.Background(), candidates, cfg())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("invalid config", func(t *testing.T) {
		s, _, _ := newTestSelector(highestBidScript, nil)
		_, err := s.Select(context.Background(), candidates, models.SelectionConfig{})
		assert.ErrorIs(t, err, models.ErrInvalidConfig)
	})
}

func TestSelectFromStored_OnlyCallerRecords(t *testing.T) {
	store := &stubStore{records: []models.WinnerRecord{
		{AdSelectionID: 1, CallerPackage: "com.example.app", WinningBid: 3},
		{AdSelectionID: 2, CallerPackage: "com.other.app", WinningBid: 9},
		{AdSelectionID: 3, CallerPackage: "com.example.app", WinningBid: 5},
	}}
	s, _, _ := newTestSelector(highestBidScript, store)

	c := cfg()
	c.AdSelectionIDs = []int64{1, 2, 3}
	id, err := s.SelectFromStored(context.Background(), "com.example.app", c)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(3), *id)
	assert.Equal(t, "com.example.app", store.caller)
}

func TestSelectFromStored_PrebuiltWaterfall(t *testing.T) {
	store := &stubStore{records: []models.WinnerRecord{
		{AdSelectionID: 10, CallerPackage: "com.example.app", WinningBid: 1.5, CreatedAt: time.Now()},
		{AdSelectionID: 11, CallerPackage: "com.example.app", WinningBid: 4},
		{AdSelectionID: 12, CallerPackage: "com.example.app", WinningBid: 8},
	}}
	fetcher := fetch.NewLogicFetcher(time.Second, time.Minute, zap.NewNop(), nil)
	s := NewSelector(fetcher, sandbox.NewLuaEngine(zap.NewNop()), store, nil, zap.NewNop())

	c := models.SelectionConfig{
		SelectionLogicURI: "ad-selection-prebuilt://ad-outcome-selection/waterfall-mediation-truncation/?bidFloor=floor",
		SelectionSignals:  json.RawMessage(`{"floor":2}`),
		AdSelectionIDs:    []int64{10, 11, 12},
	}
	id, err := s.SelectFromStored(context.Background(), "com.example.app", c)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(11), *id)
}
