package models

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when an entity is not found in the data store
var ErrNotFound = errors.New("entity not found")

// CustomAudienceSource provides read-only access to stored custom audiences.
type CustomAudienceSource interface {
	// ActiveCustomAudiences returns the audiences of the given buyers that are
	// active at now, grouped by buyer and ordered by owner and name within a buyer.
	ActiveCustomAudiences(ctx context.Context, buyers []string, now time.Time) ([]CustomAudience, error)
}

// audienceKey identifies a custom audience.
type audienceKey struct {
	owner string
	buyer string
	name  string
}

// audienceSnapshot represents an immutable snapshot of all custom audiences
type audienceSnapshot struct {
	byBuyer map[string][]CustomAudience
	index   map[audienceKey]CustomAudience
}

// InMemoryCustomAudienceStore implements CustomAudienceSource with atomic snapshot updates
type InMemoryCustomAudienceStore struct {
	// Atomic pointer to current data snapshot
	data atomic.Pointer[audienceSnapshot]
}

// NewInMemoryCustomAudienceStore creates a new store instance
func NewInMemoryCustomAudienceStore() *InMemoryCustomAudienceStore {
	store := &InMemoryCustomAudienceStore{}
	store.data.Store(buildAudienceSnapshot(nil))
	return store
}

func buildAudienceSnapshot(index map[audienceKey]CustomAudience) *audienceSnapshot {
	snap := &audienceSnapshot{
		byBuyer: make(map[string][]CustomAudience),
		index:   make(map[audienceKey]CustomAudience, len(index)),
	}
	for k, ca := range index {
		snap.index[k] = ca
		snap.byBuyer[ca.Buyer] = append(snap.byBuyer[ca.Buyer], ca)
	}
	for buyer := range snap.byBuyer {
		list := snap.byBuyer[buyer]
		sort.Slice(list, func(i, j int) bool {
			if list[i].Owner != list[j].Owner {
				return list[i].Owner < list[j].Owner
			}
			return list[i].Name < list[j].Name
		})
	}
	return snap
}

// ActiveCustomAudiences returns the active audiences for the given buyers.
// Buyers are visited in the order given; duplicates are ignored.
func (s *InMemoryCustomAudienceStore) ActiveCustomAudiences(ctx context.Context, buyers []string, now time.Time) ([]CustomAudience, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := s.data.Load()
	seen := make(map[string]struct{}, len(buyers))
	var out []CustomAudience
	for _, buyer := range buyers {
		if _, ok := seen[buyer]; ok {
			continue
		}
		seen[buyer] = struct{}{}
		for _, ca := range data.byBuyer[buyer] {
			if ca.IsActive(now) {
				out = append(out, ca)
			}
		}
	}
	return out, nil
}

// GetCustomAudience retrieves a single audience.
func (s *InMemoryCustomAudienceStore) GetCustomAudience(owner, buyer, name string) (CustomAudience, error) {
	data := s.data.Load()
	ca, ok := data.index[audienceKey{owner: owner, buyer: buyer, name: name}]
	if !ok {
		return CustomAudience{}, ErrNotFound
	}
	return ca, nil
}

// SetCustomAudiences atomically replaces all audiences.
func (s *InMemoryCustomAudienceStore) SetCustomAudiences(audiences []CustomAudience) error {
	index := make(map[audienceKey]CustomAudience, len(audiences))
	for _, ca := range audiences {
		index[audienceKey{owner: ca.Owner, buyer: ca.Buyer, name: ca.Name}] = ca
	}
	s.data.Store(buildAudienceSnapshot(index))
	return nil
}

// UpsertCustomAudience inserts or replaces one audience.
func (s *InMemoryCustomAudienceStore) UpsertCustomAudience(ca CustomAudience) error {
	for {
		current := s.data.Load()
		index := make(map[audienceKey]CustomAudience, len(current.index)+1)
		for k, v := range current.index {
			index[k] = v
		}
		index[audienceKey{owner: ca.Owner, buyer: ca.Buyer, name: ca.Name}] = ca
		if s.data.CompareAndSwap(current, buildAudienceSnapshot(index)) {
			return nil
		}
	}
}

// DeleteCustomAudience removes one audience. ErrNotFound is returned when it does not exist.
func (s *InMemoryCustomAudienceStore) DeleteCustomAudience(owner, buyer, name string) error {
	key := audienceKey{owner: owner, buyer: buyer, name: name}
	for {
		current := s.data.Load()
		if _, ok := current.index[key]; !ok {
			return ErrNotFound
		}
		index := make(map[audienceKey]CustomAudience, len(current.index))
		for k, v := range current.index {
			if k != key {
				index[k] = v
			}
		}
		if s.data.CompareAndSwap(current, buildAudienceSnapshot(index)) {
			return nil
		}
	}
}
