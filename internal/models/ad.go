package models

import (
	"encoding/json"
	"time"
)

// AdCounterKeys is an ordered set of opaque keys attached to an ad. The keys are
// used to count win, impression, view and click events for frequency capping.
// A nil set means the ad carries no keys at all.
type AdCounterKeys []string

// Clone returns a copy of the set. Nil stays nil.
func (k AdCounterKeys) Clone() AdCounterKeys {
	if k == nil {
		return nil
	}
	out := make(AdCounterKeys, len(k))
	copy(out, k)
	return out
}

// Contains reports whether key is present in the set.
func (k AdCounterKeys) Contains(key string) bool {
	for _, existing := range k {
		if existing == key {
			return true
		}
	}
	return false
}

// Union returns the keys of k followed by the keys of other not already in k.
// Duplicates within either input are collapsed. The receiver is not modified.
// The result is nil only when both inputs are nil.
func (k AdCounterKeys) Union(other AdCounterKeys) AdCounterKeys {
	if k == nil && other == nil {
		return nil
	}
	out := make(AdCounterKeys, 0, len(k)+len(other))
	seen := make(map[string]struct{}, len(k)+len(other))
	for _, set := range []AdCounterKeys{k, other} {
		for _, key := range set {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// KeyedFrequencyCap limits how many events of one type may have been recorded for
// an ad counter key within Interval before the ad is filtered out.
type KeyedFrequencyCap struct {
	AdCounterKey string        `json:"ad_counter_key"`
	MaxCount     int           `json:"max_count"`
	Interval     time.Duration `json:"interval"`
}

// FrequencyCapFilters groups the keyed caps by the event type they count.
type FrequencyCapFilters struct {
	ForWinEvents        []KeyedFrequencyCap `json:"for_win_events,omitempty"`
	ForImpressionEvents []KeyedFrequencyCap `json:"for_impression_events,omitempty"`
	ForViewEvents       []KeyedFrequencyCap `json:"for_view_events,omitempty"`
	ForClickEvents      []KeyedFrequencyCap `json:"for_click_events,omitempty"`
}

// CapsFor returns the caps configured for the given event type.
func (f *FrequencyCapFilters) CapsFor(t EventType) []KeyedFrequencyCap {
	if f == nil {
		return nil
	}
	switch t {
	case EventWin:
		return f.ForWinEvents
	case EventImpression:
		return f.ForImpressionEvents
	case EventView:
		return f.ForViewEvents
	case EventClick:
		return f.ForClickEvents
	}
	return nil
}

// AppInstallFilters drops an ad when any of the listed packages is installed.
type AppInstallFilters struct {
	PackageNames []string `json:"package_names"`
}

// AdFilters holds the optional filters an ad may declare.
type AdFilters struct {
	FrequencyCap *FrequencyCapFilters `json:"frequency_cap,omitempty"`
	AppInstall   *AppInstallFilters   `json:"app_install,omitempty"`
}

// AdRecord is an ad as stored with its custom audience.
type AdRecord struct {
	RenderURI     string          `json:"render_uri"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	AdCounterKeys AdCounterKeys   `json:"ad_counter_keys,omitempty"`
	Filters       *AdFilters      `json:"ad_filters,omitempty"`
}

// AdCandidate is an ad supplied directly by a caller, e.g. a contextual ad that
// arrives with the auction configuration instead of from storage.
type AdCandidate struct {
	RenderURI     string          `json:"render_uri"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	AdCounterKeys AdCounterKeys   `json:"ad_counter_keys,omitempty"`
	Filters       *AdFilters      `json:"ad_filters,omitempty"`
}

// AdArgument is the shape of an ad handed to and returned from decision logic.
// AdCounterKeys is only ever populated by the counter key copier.
type AdArgument struct {
	RenderURI     string          `json:"render_uri"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	AdCounterKeys AdCounterKeys   `json:"ad_counter_keys,omitempty"`
}

// Bid pairs a bid value with the ad it was computed for.
type Bid struct {
	Ad    AdArgument `json:"ad"`
	Value float64    `json:"bid"`
}
