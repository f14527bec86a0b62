package auction

import (
	"github.com/patrickwarner/adselection/internal/models"
)

// TraceStep records the audiences and ads still in play after one auction stage.
type TraceStep struct {
	Stage           string            `json:"stage"`
	CustomAudiences []string          `json:"custom_audiences,omitempty"`
	RenderURIs      []string          `json:"render_uris,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
}

// AuctionTrace captures the ordered list of stages of one ad selection.
// A nil trace ignores every call.
type AuctionTrace struct {
	Steps []TraceStep `json:"steps"`
}

func audienceLabel(buyer, name string) string {
	if name == "" {
		return buyer
	}
	return buyer + "/" + name
}

// AddAudiences appends a step listing custom audiences and their ads.
func (t *AuctionTrace) AddAudiences(stage string, audiences []models.CustomAudience) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage}
	for _, ca := range audiences {
		step.CustomAudiences = append(step.CustomAudiences, audienceLabel(ca.Buyer, ca.Name))
		for _, ad := range ca.Ads {
			step.RenderURIs = append(step.RenderURIs, ad.RenderURI)
		}
	}
	t.Steps = append(t.Steps, step)
}

// AddOutcomes appends a step listing bidding outcomes.
func (t *AuctionTrace) AddOutcomes(stage string, outcomes []models.BiddingOutcome, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, Details: details}
	for _, o := range outcomes {
		step.CustomAudiences = append(step.CustomAudiences, audienceLabel(o.CustomAudience.Buyer, o.CustomAudience.Name))
		step.RenderURIs = append(step.RenderURIs, o.Bid.Ad.RenderURI)
	}
	t.Steps = append(t.Steps, step)
}

// AddStepWithDetails appends a step carrying only details.
func (t *AuctionTrace) AddStepWithDetails(stage string, details map[string]string) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, TraceStep{Stage: stage, Details: details})
}
