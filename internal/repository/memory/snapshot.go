package memory

import (
	"context"
	"sort"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/solver"
)

// Ensure Store implements solver.Repository
var _ solver.Repository = (*Store)(nil)

// ListInventories returns every inventory row.
func (s *Store) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Inventory
	for _, byRC := range s.inventories {
		for _, inv := range byRC {
			result = append(result, inv)
		}
	}
	return result, nil
}

// ListAllocations returns every allocation row.
func (s *Store) ListAllocations(ctx context.Context) ([]domain.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Allocation
	for consumer, byRP := range s.allocations {
		for rp, byRC := range byRP {
			for rc, used := range byRC {
				result = append(result, domain.Allocation{
					ConsumerUUID:  consumer,
					ProviderUUID:  rp,
					ResourceClass: rc,
					Used:          used,
				})
			}
		}
	}
	return result, nil
}

// ProviderTraits returns each provider's trait set.
func (s *Store) ProviderTraits(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]string, len(s.traits))
	for rp, set := range s.traits {
		traits := make([]string, 0, len(set))
		for t := range set {
			traits = append(traits, t)
		}
		sort.Strings(traits)
		result[rp] = traits
	}
	return result, nil
}

// ProviderAggregates returns each provider's aggregate memberships.
func (s *Store) ProviderAggregates(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]string, len(s.aggregates))
	for rp, set := range s.aggregates {
		aggs := make([]string, 0, len(set))
		for agg := range set {
			aggs = append(aggs, agg)
		}
		sort.Strings(aggs)
		result[rp] = aggs
	}
	return result, nil
}
