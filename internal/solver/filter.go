package solver

import (
	"github.com/pavera/placement/internal/domain"
)

// eligibleProviders returns the arena indexes, in ascending uuid order, of
// providers satisfying the group's trait and aggregate filters. The seed
// set is taken from the smallest inverted-index posting list available so
// the scan cost tracks the most selective clause.
func (s *snapshot) eligibleProviders(group *domain.RequestGroup) []int {
	seed := s.seedSet(group)

	var eligible []int
	for _, idx := range seed {
		node := &s.providers[idx]
		if !group.Traits.Matches(node.traits) {
			continue
		}
		if !group.Aggregates.Matches(node.aggregates) {
			continue
		}
		eligible = append(eligible, idx)
	}
	return eligible
}

// seedSet picks the cheapest candidate set to scan: the smallest of the
// required-trait posting lists and the any-of and member_of OR-group
// unions, or every provider when the group has none of these clauses.
func (s *snapshot) seedSet(group *domain.RequestGroup) []int {
	best := -1
	var bestList []int

	for _, t := range group.Traits.Required {
		list := s.traitIndex[t]
		if best == -1 || len(list) < best {
			best = len(list)
			bestList = list
		}
	}
	for _, orGroup := range group.Traits.AnyOf {
		union := s.unionIndex(s.traitIndex, orGroup)
		if best == -1 || len(union) < best {
			best = len(union)
			bestList = union
		}
	}
	for _, orGroup := range group.Aggregates.MemberOf {
		union := s.unionIndex(s.aggIndex, orGroup)
		if best == -1 || len(union) < best {
			best = len(union)
			bestList = union
		}
	}
	if best != -1 {
		return bestList
	}

	all := make([]int, len(s.providers))
	for i := range s.providers {
		all[i] = i
	}
	return all
}

// unionIndex merges posting lists for an OR-group, preserving ascending
// order and uniqueness.
func (s *snapshot) unionIndex(index map[string][]int, keys []string) []int {
	seen := map[int]struct{}{}
	var union []int
	for _, key := range keys {
		for _, idx := range index[key] {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			union = append(union, idx)
		}
	}
	// Posting lists are individually sorted; the merged list may not be.
	insertionSort(union)
	return union
}

func insertionSort(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
