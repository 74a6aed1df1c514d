package memory

import (
	"context"
	"time"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/services/allocation"
)

// Ensure Store implements allocation.Repository
var _ allocation.Repository = (*Store)(nil)

// GetConsumer retrieves a consumer by uuid.
func (s *Store) GetConsumer(ctx context.Context, uuid string) (*domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consumers[uuid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneConsumer(c), nil
}

// ListByConsumer returns a consumer's allocation rows.
func (s *Store) ListByConsumer(ctx context.Context, uuid string) ([]domain.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Allocation
	for rp, byRC := range s.allocations[uuid] {
		for rc, used := range byRC {
			result = append(result, domain.Allocation{
				ConsumerUUID:  uuid,
				ProviderUUID:  rp,
				ResourceClass: rc,
				Used:          used,
			})
		}
	}
	return result, nil
}

// ReplaceBundles atomically swaps the bundles of every named consumer.
// The whole write happens under one lock: consumer and provider generation
// CAS, capacity recheck on the net delta, then the single apply that bumps
// each touched generation exactly once.
func (s *Store) ReplaceBundles(ctx context.Context, payloads map[string]*domain.AllocationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Consumer generation checks.
	for consumer, payload := range payloads {
		stored, exists := s.consumers[consumer]
		if payload.ConsumerGeneration == nil {
			continue
		}
		if !exists {
			return domain.ErrConflict
		}
		if stored.GenerationValue() != *payload.ConsumerGeneration {
			return domain.ErrConflict
		}
	}

	// 2. Provider existence, inventory existence and generation checks.
	touchedProviders := map[string]struct{}{}
	for consumer, payload := range payloads {
		for rp := range s.allocations[consumer] {
			touchedProviders[rp] = struct{}{}
		}
		for rp, pa := range payload.Allocations {
			stored, ok := s.providers[rp]
			if !ok {
				return domain.ErrNotFound
			}
			if pa.Generation != nil && stored.Generation != *pa.Generation {
				return domain.ErrConflict
			}
			for rc := range pa.Resources {
				if _, ok := s.inventories[rp][rc]; !ok {
					return domain.ErrConflict
				}
			}
			touchedProviders[rp] = struct{}{}
		}
	}

	// 3. Capacity check on the net delta per (provider, class): current
	// usage minus the replaced bundles plus the new ones must fit.
	type rpRC struct{ rp, rc string }
	delta := map[rpRC]int64{}
	for consumer, payload := range payloads {
		for rp, byRC := range s.allocations[consumer] {
			for rc, used := range byRC {
				delta[rpRC{rp, rc}] -= used
			}
		}
		for rp, pa := range payload.Allocations {
			for rc, used := range pa.Resources {
				delta[rpRC{rp, rc}] += used
			}
		}
	}
	for key, d := range delta {
		if d <= 0 {
			continue
		}
		inv, ok := s.inventories[key.rp][key.rc]
		if !ok {
			return domain.ErrConflict
		}
		if s.usagesLocked(key.rp)[key.rc]+d > inv.Capacity() {
			return domain.ErrConflict
		}
	}

	// 4. Apply. Generations bump exactly once per touched row.
	now := time.Now()
	for consumer, payload := range payloads {
		if len(payload.Allocations) == 0 {
			delete(s.allocations, consumer)
			delete(s.consumers, consumer)
			continue
		}

		bundle := map[string]map[string]int64{}
		for rp, pa := range payload.Allocations {
			byRC := map[string]int64{}
			for rc, used := range pa.Resources {
				byRC[rc] = used
			}
			bundle[rp] = byRC
		}
		s.allocations[consumer] = bundle

		stored, exists := s.consumers[consumer]
		if !exists {
			gen := int64(0)
			s.consumers[consumer] = &domain.Consumer{
				UUID:       consumer,
				ProjectID:  payload.ProjectID,
				UserID:     payload.UserID,
				Generation: &gen,
			}
			continue
		}
		stored.ProjectID = payload.ProjectID
		stored.UserID = payload.UserID
		gen := stored.GenerationValue() + 1
		stored.Generation = &gen
	}
	for rp := range touchedProviders {
		if stored, ok := s.providers[rp]; ok {
			stored.Generation++
			stored.UpdatedAt = now
		}
	}
	return nil
}

// cloneConsumer creates a copy of a Consumer.
func cloneConsumer(c *domain.Consumer) *domain.Consumer {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Generation != nil {
		gen := *c.Generation
		clone.Generation = &gen
	}
	return &clone
}
