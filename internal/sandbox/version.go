package sandbox

import (
	"fmt"
	"sort"
)

// BiddingSignature describes a registered calling convention of bidding logic.
type BiddingSignature struct {
	Version  int
	Function string
	// Args is the number of positional arguments the entry point receives.
	Args int
}

// CurrentBiddingVersion is the version assumed when logic does not declare one.
const CurrentBiddingVersion = 3

var biddingSignatures = map[int]BiddingSignature{
	// generateBid(custom_audience, auction_signals, per_buyer_signals,
	//             trusted_bidding_signals, contextual_signals) -> {ad, bid, render}
	3: {Version: 3, Function: "generateBid", Args: 5},
}

// BiddingSignatureFor returns the registered signature of version. Version 0
// resolves to CurrentBiddingVersion. Unknown versions fail closed.
func BiddingSignatureFor(version int) (BiddingSignature, error) {
	if version == 0 {
		version = CurrentBiddingVersion
	}
	sig, ok := biddingSignatures[version]
	if !ok {
		return BiddingSignature{}, fmt.Errorf("%w: bidding logic version %d", ErrUnsupportedVersion, version)
	}
	return sig, nil
}

// SupportedBiddingVersions lists the registered versions in ascending order.
func SupportedBiddingVersions() []int {
	out := make([]int, 0, len(biddingSignatures))
	for v := range biddingSignatures {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
