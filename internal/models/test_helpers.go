package models

import "time"

// NewTestCustomAudienceStore creates a new in-memory custom audience store seeded
// with the given audiences for testing
func NewTestCustomAudienceStore(audiences ...CustomAudience) *InMemoryCustomAudienceStore {
	store := NewInMemoryCustomAudienceStore()
	_ = store.SetCustomAudiences(audiences)
	return store
}

// NewTestCustomAudience creates an always-active audience for testing.
func NewTestCustomAudience(buyer, name string, ads ...AdRecord) CustomAudience {
	return CustomAudience{
		Owner:           "com.example.app",
		Buyer:           buyer,
		Name:            name,
		ActivationTime:  time.Time{},
		BiddingLogicURI: "https://" + buyer + "/bidding.lua",
		Ads:             ads,
	}
}
