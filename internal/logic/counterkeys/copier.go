// Package counterkeys copies ad counter keys across the shapes an ad takes
// between storage, decision logic and the persisted winner record.
package counterkeys

import (
	"errors"

	"github.com/patrickwarner/adselection/internal/models"
)

// ErrNilArgument is returned when a required source is missing.
var ErrNilArgument = errors.New("counterkeys: nil argument")

// Copier augments a target with the counter keys found on a source. Keys already
// present on the target are kept and keys absent from the source are never added.
type Copier interface {
	// FromRecord copies keys from a stored ad onto a script argument.
	FromRecord(target models.AdArgument, source *models.AdRecord) (models.AdArgument, error)
	// FromCandidate copies keys from a caller supplied ad onto a script argument.
	FromCandidate(target models.AdArgument, source *models.AdCandidate) (models.AdArgument, error)
	// FromArgument copies keys from the argument an ad was built from onto the
	// argument returned by decision logic.
	FromArgument(target models.AdArgument, source *models.AdArgument) (models.AdArgument, error)
	// ToWinnerRecord copies keys from the winning outcome onto the persisted record.
	ToWinnerRecord(target models.WinnerRecord, source *models.ScoringOutcome) (models.WinnerRecord, error)
}

// New returns the enforcing copier when frequency capping is enabled and the
// no-op copier otherwise.
func New(enabled bool) Copier {
	if enabled {
		return enforcing{}
	}
	return noop{}
}

type enforcing struct{}

func (enforcing) FromRecord(target models.AdArgument, source *models.AdRecord) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	target.AdCounterKeys = target.AdCounterKeys.Union(source.AdCounterKeys)
	return target, nil
}

func (enforcing) FromCandidate(target models.AdArgument, source *models.AdCandidate) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	target.AdCounterKeys = target.AdCounterKeys.Union(source.AdCounterKeys)
	return target, nil
}

func (enforcing) FromArgument(target models.AdArgument, source *models.AdArgument) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	target.AdCounterKeys = target.AdCounterKeys.Union(source.AdCounterKeys)
	return target, nil
}

func (enforcing) ToWinnerRecord(target models.WinnerRecord, source *models.ScoringOutcome) (models.WinnerRecord, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	target.AdCounterKeys = target.AdCounterKeys.Union(source.Bid.Ad.AdCounterKeys)
	return target, nil
}

// noop validates its arguments like the enforcing copier and returns the target
// unchanged.
type noop struct{}

func (noop) FromRecord(target models.AdArgument, source *models.AdRecord) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	return target, nil
}

func (noop) FromCandidate(target models.AdArgument, source *models.AdCandidate) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	return target, nil
}

func (noop) FromArgument(target models.AdArgument, source *models.AdArgument) (models.AdArgument, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	return target, nil
}

func (noop) ToWinnerRecord(target models.WinnerRecord, source *models.ScoringOutcome) (models.WinnerRecord, error) {
	if source == nil {
		return target, ErrNilArgument
	}
	return target, nil
}
