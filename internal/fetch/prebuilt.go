package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

// PrebuiltScheme marks decision logic shipped with the service instead of
// being downloaded.
const PrebuiltScheme = "ad-selection-prebuilt"

const (
	prebuiltScoringHost   = "ad-selection"
	prebuiltSelectionHost = "ad-outcome-selection"

	highestBidWinsPath    = "/highest-bid-wins/"
	waterfallTruncatePath = "/waterfall-mediation-truncation/"
	bidFloorParam         = "bidFloor"
)

// ErrUnknownPrebuilt is returned for prebuilt URIs that name no built-in logic.
var ErrUnknownPrebuilt = errors.New("fetch: unknown prebuilt logic")

var signalNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const highestBidWinsScript = `
function scoreAd(ad, bid)
  return bid
end
`

const waterfallTruncationTemplate = `
function selectOutcome(outcomes, selection_signals)
  local floor = selection_signals[%q]
  if type(floor) ~= "number" then
    return nil
  end
  for _, outcome in ipairs(outcomes) do
    if outcome.bid >= floor then
      return outcome
    end
  end
  return nil
end
`

// IsPrebuilt reports whether uri names built-in logic.
func IsPrebuilt(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && u.Scheme == PrebuiltScheme
}

// prebuiltScript returns the source of the built-in logic named by uri.
func prebuiltScript(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownPrebuilt, err)
	}
	switch {
	case u.Host == prebuiltScoringHost && u.Path == highestBidWinsPath:
		return highestBidWinsScript, nil
	case u.Host == prebuiltSelectionHost && u.Path == waterfallTruncatePath:
		name := u.Query().Get(bidFloorParam)
		if !signalNamePattern.MatchString(name) {
			return "", fmt.Errorf("%w: invalid %s parameter %q", ErrUnknownPrebuilt, bidFloorParam, name)
		}
		return fmt.Sprintf(waterfallTruncationTemplate, name), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPrebuilt, uri)
}
