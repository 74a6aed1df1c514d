package solver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pavera/placement/internal/domain"
)

// combine folds per-group match sequences into allocation requests. Groups
// are combined only within a single root tree; every combination is
// checked against group_policy and each same_subtree clause, consolidated,
// capacity-checked and deduplicated. A non-positive limit means unlimited.
func (s *snapshot) combine(
	ctx context.Context,
	req *domain.CandidateRequest,
	matchesBySuffix map[string][]groupMatch,
	limit int,
) ([]domain.AllocationRequest, error) {
	suffixes := make([]string, 0, len(matchesBySuffix))
	for suffix := range matchesBySuffix {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)

	// Bucket matches by root; combinations never span trees.
	byRoot := map[int]map[string][]groupMatch{}
	for suffix, matches := range matchesBySuffix {
		for _, match := range matches {
			bucket, ok := byRoot[match.root]
			if !ok {
				bucket = map[string][]groupMatch{}
				byRoot[match.root] = bucket
			}
			bucket[suffix] = append(bucket[suffix], match)
		}
	}
	roots := make([]int, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var results []domain.AllocationRequest
	seen := map[string]struct{}{}

	for _, root := range roots {
		bucket := byRoot[root]
		if len(bucket) != len(suffixes) {
			// Some group has no match in this tree.
			continue
		}

		combo := make([]*groupMatch, len(suffixes))
		odometer := make([]int, len(suffixes))
		for {
			if err := ctx.Err(); err != nil {
				return nil, domain.ErrTimeout
			}
			for i, suffix := range suffixes {
				combo[i] = &bucket[suffix][odometer[i]]
			}

			if s.comboAccepted(req, suffixes, combo) {
				areq := s.consolidate(suffixes, combo)
				if s.capacityHolds(areq) {
					key := canonicalKey(areq)
					if _, dup := seen[key]; !dup {
						seen[key] = struct{}{}
						results = append(results, areq)
						if limit > 0 && len(results) >= limit {
							return results, nil
						}
					}
				}
			}

			pos := len(odometer) - 1
			for pos >= 0 {
				odometer[pos]++
				if odometer[pos] < len(bucket[suffixes[pos]]) {
					break
				}
				odometer[pos] = 0
				pos--
			}
			if pos < 0 {
				break
			}
		}
	}
	return results, nil
}

// comboAccepted applies group_policy and every same_subtree clause to one
// combination of per-group matches.
func (s *snapshot) comboAccepted(req *domain.CandidateRequest, suffixes []string, combo []*groupMatch) bool {
	if req.GroupPolicy == domain.GroupPolicyIsolate {
		// Resourceful groups must use pairwise disjoint providers.
		// Resourceless groups are exempt and may overlap anything.
		claimed := map[int]int{}
		for i, match := range combo {
			if len(match.classes) == 0 {
				continue
			}
			for _, idx := range match.usedProviders() {
				if owner, ok := claimed[idx]; ok && owner != i {
					return false
				}
				claimed[idx] = i
			}
		}
	}

	for _, clause := range req.SameSubtrees {
		if !s.sameSubtreeHolds(clause, suffixes, combo) {
			return false
		}
	}
	return true
}

// sameSubtreeHolds checks one same_subtree clause: the union of providers
// chosen for the listed suffixes must contain a member that anchors all of
// them, i.e. is an ancestor-or-self of every provider in the union.
func (s *snapshot) sameSubtreeHolds(clause []string, suffixes []string, combo []*groupMatch) bool {
	union := map[int]struct{}{}
	for _, suffix := range clause {
		for i, have := range suffixes {
			if have != suffix {
				continue
			}
			for _, idx := range combo[i].usedProviders() {
				union[idx] = struct{}{}
			}
		}
	}
	if len(union) <= 1 {
		return true
	}
	for anchor := range union {
		anchors := true
		for idx := range union {
			if !s.isInSubtree(idx, anchor) {
				anchors = false
				break
			}
		}
		if anchors {
			return true
		}
	}
	return false
}

// consolidate merges one accepted combination into an AllocationRequest,
// summing amounts that land on the same (provider, class) and recording
// which group chose which providers.
func (s *snapshot) consolidate(suffixes []string, combo []*groupMatch) domain.AllocationRequest {
	allocations := map[string]map[string]int64{}
	mappings := map[string][]string{}

	for i, match := range combo {
		rps := map[string]struct{}{}
		for j, rc := range match.classes {
			uuid := s.providers[match.providers[j]].uuid
			byRC, ok := allocations[uuid]
			if !ok {
				byRC = map[string]int64{}
				allocations[uuid] = byRC
			}
			byRC[rc] += match.amounts[j]
		}
		for _, idx := range match.usedProviders() {
			rps[s.providers[idx].uuid] = struct{}{}
		}
		mapped := make([]string, 0, len(rps))
		for uuid := range rps {
			mapped = append(mapped, uuid)
		}
		sort.Strings(mapped)
		mappings[suffixes[i]] = mapped
	}
	return domain.AllocationRequest{Allocations: allocations, Mappings: mappings}
}

// capacityHolds re-checks a consolidated request: amounts folded together
// from independent groups may jointly exceed what each group fit alone.
func (s *snapshot) capacityHolds(areq domain.AllocationRequest) bool {
	for uuid, byRC := range areq.Allocations {
		idx, ok := s.byUUID[uuid]
		if !ok {
			return false
		}
		node := &s.providers[idx]
		for rc, amount := range byRC {
			inv, ok := node.inventory[rc]
			if !ok {
				return false
			}
			if amount > inv.MaxUnit {
				return false
			}
			if node.usages[rc]+amount > inv.Capacity() {
				return false
			}
		}
	}
	return true
}

// canonicalKey serializes an AllocationRequest into a stable identity for
// deduplication over the (allocations, mappings) tuple.
func canonicalKey(areq domain.AllocationRequest) string {
	var b strings.Builder

	rps := make([]string, 0, len(areq.Allocations))
	for rp := range areq.Allocations {
		rps = append(rps, rp)
	}
	sort.Strings(rps)
	for _, rp := range rps {
		byRC := areq.Allocations[rp]
		rcs := make([]string, 0, len(byRC))
		for rc := range byRC {
			rcs = append(rcs, rc)
		}
		sort.Strings(rcs)
		for _, rc := range rcs {
			fmt.Fprintf(&b, "%s/%s=%d;", rp, rc, byRC[rc])
		}
	}

	b.WriteByte('|')
	suffixes := make([]string, 0, len(areq.Mappings))
	for suffix := range areq.Mappings {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)
	for _, suffix := range suffixes {
		fmt.Fprintf(&b, "%s=%s;", suffix, strings.Join(areq.Mappings[suffix], ","))
	}
	return b.String()
}
