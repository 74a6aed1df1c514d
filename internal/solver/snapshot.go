package solver

import (
	"context"
	"fmt"
	"sort"

	"github.com/pavera/placement/internal/domain"
)

// providerNode is one arena slot: a provider with its tree links, trait
// and aggregate sets, inventories and live usage.
type providerNode struct {
	uuid       string
	name       string
	generation int64
	parent     int // arena index, -1 for a root
	root       int // arena index of the tree root
	traits     map[string]struct{}
	aggregates map[string]struct{}
	inventory  map[string]domain.Inventory
	usages     map[string]int64
}

// snapshot is the request-scoped view of the provider forest. Providers
// live in a slice ordered by ascending uuid so arena index order is also
// the required iteration order. Ancestor chains are materialized once.
type snapshot struct {
	providers []providerNode
	byUUID    map[string]int

	// ancestors[i] lists i itself followed by its ancestors up to the root.
	ancestors [][]int

	// treeMembers groups arena indexes (ascending) under their root index.
	treeMembers map[int][]int

	traitIndex map[string][]int
	aggIndex   map[string][]int
}

// buildSnapshot loads the world from the repository into an arena.
func buildSnapshot(ctx context.Context, repo Repository) (*snapshot, error) {
	rps, err := repo.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	invs, err := repo.ListInventories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventories: %w", err)
	}
	allocs, err := repo.ListAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	traits, err := repo.ProviderTraits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider traits: %w", err)
	}
	aggs, err := repo.ProviderAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider aggregates: %w", err)
	}

	sort.Slice(rps, func(i, j int) bool { return rps[i].UUID < rps[j].UUID })

	s := &snapshot{
		providers:   make([]providerNode, len(rps)),
		byUUID:      make(map[string]int, len(rps)),
		treeMembers: map[int][]int{},
		traitIndex:  map[string][]int{},
		aggIndex:    map[string][]int{},
	}
	for i, rp := range rps {
		s.byUUID[rp.UUID] = i
		node := providerNode{
			uuid:       rp.UUID,
			name:       rp.Name,
			generation: rp.Generation,
			parent:     -1,
			traits:     map[string]struct{}{},
			aggregates: map[string]struct{}{},
			inventory:  map[string]domain.Inventory{},
			usages:     map[string]int64{},
		}
		for _, t := range traits[rp.UUID] {
			node.traits[t] = struct{}{}
			s.traitIndex[t] = append(s.traitIndex[t], i)
		}
		for _, a := range aggs[rp.UUID] {
			node.aggregates[a] = struct{}{}
			s.aggIndex[a] = append(s.aggIndex[a], i)
		}
		s.providers[i] = node
	}

	for i, rp := range rps {
		if rp.ParentUUID == "" {
			continue
		}
		parent, ok := s.byUUID[rp.ParentUUID]
		if !ok {
			return nil, fmt.Errorf("provider %s references unknown parent %s: %w",
				rp.UUID, rp.ParentUUID, domain.ErrInvariantViolation)
		}
		s.providers[i].parent = parent
	}

	s.ancestors = make([][]int, len(s.providers))
	for i := range s.providers {
		chain := []int{i}
		cur := s.providers[i].parent
		for cur != -1 {
			if len(chain) > len(s.providers) {
				return nil, fmt.Errorf("provider %s has a cyclic parent chain: %w",
					s.providers[i].uuid, domain.ErrInvariantViolation)
			}
			chain = append(chain, cur)
			cur = s.providers[cur].parent
		}
		s.ancestors[i] = chain
		root := chain[len(chain)-1]
		s.providers[i].root = root
		s.treeMembers[root] = append(s.treeMembers[root], i)
	}

	for _, inv := range invs {
		idx, ok := s.byUUID[inv.ProviderUUID]
		if !ok {
			continue
		}
		s.providers[idx].inventory[inv.ResourceClass] = inv
	}
	for _, alloc := range allocs {
		idx, ok := s.byUUID[alloc.ProviderUUID]
		if !ok {
			continue
		}
		s.providers[idx].usages[alloc.ResourceClass] += alloc.Used
	}
	return s, nil
}

// isInSubtree reports whether rp equals anchor or anchor is an ancestor
// of rp.
func (s *snapshot) isInSubtree(rp, anchor int) bool {
	for _, a := range s.ancestors[rp] {
		if a == anchor {
			return true
		}
	}
	return false
}

// assignable reports whether amount of rc can be drawn from the provider
// at idx given its inventory rules and current usage.
func (s *snapshot) assignable(idx int, rc string, amount int64) bool {
	inv, ok := s.providers[idx].inventory[rc]
	if !ok {
		return false
	}
	return inv.AllowsAmount(amount, s.providers[idx].usages[rc])
}

// roots returns the tree root indexes in ascending uuid order.
func (s *snapshot) roots() []int {
	roots := make([]int, 0, len(s.treeMembers))
	for root := range s.treeMembers {
		roots = append(roots, root)
	}
	sort.Ints(roots)
	return roots
}
