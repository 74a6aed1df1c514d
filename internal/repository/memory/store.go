// Package memory provides an in-memory store implementation for
// development and testing. A single mutex makes every multi-row write a
// serializable transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/services/provider"
)

// Ensure Store implements provider.Repository
var _ provider.Repository = (*Store)(nil)

// Store holds the whole placement world behind one lock.
type Store struct {
	mu sync.RWMutex

	providers   map[string]*domain.ResourceProvider
	inventories map[string]map[string]domain.Inventory // rp -> rc -> inventory
	traits      map[string]map[string]struct{}
	aggregates  map[string]map[string]struct{}
	consumers   map[string]*domain.Consumer
	allocations map[string]map[string]map[string]int64 // consumer -> rp -> rc -> used
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		providers:   make(map[string]*domain.ResourceProvider),
		inventories: make(map[string]map[string]domain.Inventory),
		traits:      make(map[string]map[string]struct{}),
		aggregates:  make(map[string]map[string]struct{}),
		consumers:   make(map[string]*domain.Consumer),
		allocations: make(map[string]map[string]map[string]int64),
	}
}

// CreateProvider stores a new provider as a root or under its parent.
func (s *Store) CreateProvider(ctx context.Context, rp *domain.ResourceProvider) (*domain.ResourceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[rp.UUID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	for _, existing := range s.providers {
		if existing.Name == rp.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	root := rp.UUID
	if rp.ParentUUID != "" {
		parent, ok := s.providers[rp.ParentUUID]
		if !ok {
			return nil, domain.NewBadValue("parent provider %q not found", rp.ParentUUID)
		}
		root = parent.RootUUID
	}

	now := time.Now()
	stored := cloneProvider(rp)
	stored.RootUUID = root
	stored.Generation = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.providers[stored.UUID] = stored

	return cloneProvider(stored), nil
}

// GetProvider retrieves a provider by uuid.
func (s *Store) GetProvider(ctx context.Context, uuid string) (*domain.ResourceProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rp, ok := s.providers[uuid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneProvider(rp), nil
}

// GetProviderByName retrieves a provider by its unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*domain.ResourceProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rp := range s.providers {
		if rp.Name == name {
			return cloneProvider(rp), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListProviders returns all providers ordered by uuid.
func (s *Store) ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ResourceProvider, 0, len(s.providers))
	for _, rp := range s.providers {
		result = append(result, cloneProvider(rp))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result, nil
}

// UpdateProvider renames and/or reparents a provider under generation CAS.
// A provider may move only under a provider of its own tree, or out to
// become a root; the subtree's denormalized roots follow in the same
// critical section.
func (s *Store) UpdateProvider(ctx context.Context, rp *domain.ResourceProvider, generation int64) (*domain.ResourceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.providers[rp.UUID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if stored.Generation != generation {
		return nil, domain.ErrConflict
	}
	for _, other := range s.providers {
		if other.UUID != rp.UUID && other.Name == rp.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	newRoot := rp.UUID
	if rp.ParentUUID != "" {
		parent, ok := s.providers[rp.ParentUUID]
		if !ok {
			return nil, domain.NewBadValue("parent provider %q not found", rp.ParentUUID)
		}
		if s.inSubtreeLocked(parent.UUID, rp.UUID) {
			return nil, domain.NewBadValue("reparenting %s under %s would create a cycle", rp.UUID, rp.ParentUUID)
		}
		if parent.RootUUID != stored.RootUUID {
			return nil, domain.NewBadValue("provider %s may only move within its tree or become a root", rp.UUID)
		}
		newRoot = parent.RootUUID
	}

	stored.Name = rp.Name
	stored.ParentUUID = rp.ParentUUID
	stored.RootUUID = newRoot
	stored.Generation++
	stored.UpdatedAt = time.Now()

	// Rewrite denormalized roots for the whole subtree.
	for _, member := range s.subtreeLocked(stored.UUID) {
		s.providers[member].RootUUID = newRoot
	}

	return cloneProvider(stored), nil
}

// DeleteProvider removes a childless, allocation-free provider along with
// its inventories, traits and aggregate memberships.
func (s *Store) DeleteProvider(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[uuid]; !ok {
		return domain.ErrNotFound
	}
	for _, rp := range s.providers {
		if rp.ParentUUID == uuid {
			return domain.ErrProviderHasChildren
		}
	}
	for _, byRP := range s.allocations {
		if usage, ok := byRP[uuid]; ok && len(usage) > 0 {
			return domain.ErrProviderInUse
		}
	}

	delete(s.providers, uuid)
	delete(s.inventories, uuid)
	delete(s.traits, uuid)
	delete(s.aggregates, uuid)
	return nil
}

// ListChildren returns the direct children of a provider ordered by uuid.
func (s *Store) ListChildren(ctx context.Context, uuid string) ([]*domain.ResourceProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.providers[uuid]; !ok {
		return nil, domain.ErrNotFound
	}
	var result []*domain.ResourceProvider
	for _, rp := range s.providers {
		if rp.ParentUUID == uuid {
			result = append(result, cloneProvider(rp))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result, nil
}

// GetInventories returns the provider's inventory rows ordered by class.
func (s *Store) GetInventories(ctx context.Context, rp string) ([]domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.providers[rp]; !ok {
		return nil, domain.ErrNotFound
	}
	byRC := s.inventories[rp]
	result := make([]domain.Inventory, 0, len(byRC))
	for _, inv := range byRC {
		result = append(result, inv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceClass < result[j].ResourceClass })
	return result, nil
}

// ReplaceInventories swaps the provider's inventory set under generation
// CAS. Removing a class with live allocations fails; shrinking capacity
// below current usage fails.
func (s *Store) ReplaceInventories(ctx context.Context, rp string, generation int64, invs []domain.Inventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.providers[rp]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Generation != generation {
		return domain.ErrConflict
	}

	next := make(map[string]domain.Inventory, len(invs))
	for _, inv := range invs {
		inv.ProviderUUID = rp
		next[inv.ResourceClass] = inv
	}

	for rc, used := range s.usagesLocked(rp) {
		inv, ok := next[rc]
		if !ok {
			return domain.ErrInventoryInUse
		}
		if used > inv.Capacity() {
			return domain.ErrInvariantViolation
		}
	}

	s.inventories[rp] = next
	stored.Generation++
	stored.UpdatedAt = time.Now()
	return nil
}

// GetTraits returns the provider's traits sorted by name.
func (s *Store) GetTraits(ctx context.Context, rp string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.providers[rp]; !ok {
		return nil, domain.ErrNotFound
	}
	result := make([]string, 0, len(s.traits[rp]))
	for t := range s.traits[rp] {
		result = append(result, t)
	}
	sort.Strings(result)
	return result, nil
}

// ReplaceTraits swaps the provider's trait set under generation CAS.
func (s *Store) ReplaceTraits(ctx context.Context, rp string, generation int64, traits []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.providers[rp]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Generation != generation {
		return domain.ErrConflict
	}

	next := make(map[string]struct{}, len(traits))
	for _, t := range traits {
		next[t] = struct{}{}
	}
	s.traits[rp] = next
	stored.Generation++
	stored.UpdatedAt = time.Now()
	return nil
}

// GetAggregates returns the provider's aggregate uuids sorted.
func (s *Store) GetAggregates(ctx context.Context, rp string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.providers[rp]; !ok {
		return nil, domain.ErrNotFound
	}
	result := make([]string, 0, len(s.aggregates[rp]))
	for agg := range s.aggregates[rp] {
		result = append(result, agg)
	}
	sort.Strings(result)
	return result, nil
}

// ReplaceAggregates swaps the provider's aggregate memberships under
// generation CAS.
func (s *Store) ReplaceAggregates(ctx context.Context, rp string, generation int64, aggregates []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.providers[rp]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Generation != generation {
		return domain.ErrConflict
	}

	next := make(map[string]struct{}, len(aggregates))
	for _, agg := range aggregates {
		next[agg] = struct{}{}
	}
	s.aggregates[rp] = next
	stored.Generation++
	stored.UpdatedAt = time.Now()
	return nil
}

// Usages sums allocations per resource class for one provider.
func (s *Store) Usages(ctx context.Context, rp string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.providers[rp]; !ok {
		return nil, domain.ErrNotFound
	}
	return s.usagesLocked(rp), nil
}

// ============================================================================
// Helper Functions
// ============================================================================

// usagesLocked sums allocation amounts per class. Callers hold the lock.
func (s *Store) usagesLocked(rp string) map[string]int64 {
	usages := map[string]int64{}
	for _, byRP := range s.allocations {
		for rc, used := range byRP[rp] {
			usages[rc] += used
		}
	}
	return usages
}

// inSubtreeLocked reports whether rp equals anchor or descends from it.
func (s *Store) inSubtreeLocked(rp, anchor string) bool {
	for rp != "" {
		if rp == anchor {
			return true
		}
		node, ok := s.providers[rp]
		if !ok {
			return false
		}
		rp = node.ParentUUID
	}
	return false
}

// subtreeLocked returns every provider uuid under root, root included.
func (s *Store) subtreeLocked(root string) []string {
	var members []string
	for uuid := range s.providers {
		if s.inSubtreeLocked(uuid, root) {
			members = append(members, uuid)
		}
	}
	return members
}

// cloneProvider creates a copy of a ResourceProvider.
func cloneProvider(rp *domain.ResourceProvider) *domain.ResourceProvider {
	if rp == nil {
		return nil
	}
	clone := *rp
	return &clone
}
