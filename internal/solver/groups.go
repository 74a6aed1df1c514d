package solver

import (
	"context"
	"sort"

	"github.com/pavera/placement/internal/domain"
)

// groupMatch is one way to satisfy a single request group: an assignment
// of every requested resource class to a provider in one tree. classes is
// sorted lexicographically and providers/amounts are aligned with it. A
// resourceless group's match has no classes and exactly one provider.
type groupMatch struct {
	root      int
	classes   []string
	providers []int
	amounts   []int64
}

// usedProviders returns the distinct arena indexes the match draws on.
func (m *groupMatch) usedProviders() []int {
	if len(m.classes) == 0 {
		return m.providers
	}
	seen := map[int]struct{}{}
	var rps []int
	for _, idx := range m.providers {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		rps = append(rps, idx)
	}
	return rps
}

// matchGroup enumerates every match for one group. Enumeration is
// exhaustive and ordered: trees by ascending root uuid, resource classes
// lexicographically, providers within a class by ascending uuid.
func (s *snapshot) matchGroup(ctx context.Context, group *domain.RequestGroup) ([]groupMatch, error) {
	eligible := s.eligibleProviders(group)

	if group.IsResourceless() {
		matches := make([]groupMatch, 0, len(eligible))
		for _, idx := range eligible {
			matches = append(matches, groupMatch{
				root:      s.providers[idx].root,
				providers: []int{idx},
			})
		}
		return matches, nil
	}

	classes := make([]string, 0, len(group.Resources))
	for rc := range group.Resources {
		classes = append(classes, rc)
	}
	sort.Strings(classes)

	eligibleByRoot := map[int][]int{}
	for _, idx := range eligible {
		root := s.providers[idx].root
		eligibleByRoot[root] = append(eligibleByRoot[root], idx)
	}
	roots := make([]int, 0, len(eligibleByRoot))
	for root := range eligibleByRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var matches []groupMatch
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, domain.ErrTimeout
		}
		// Candidate providers per class within this tree. Any class with
		// no capable provider rules the whole tree out.
		candidates := make([][]int, len(classes))
		viable := true
		for i, rc := range classes {
			for _, idx := range eligibleByRoot[root] {
				if s.assignable(idx, rc, group.Resources[rc]) {
					candidates[i] = append(candidates[i], idx)
				}
			}
			if len(candidates[i]) == 0 {
				viable = false
				break
			}
		}
		if !viable {
			continue
		}

		// Cartesian product across classes, first class outermost.
		odometer := make([]int, len(classes))
		for {
			if err := ctx.Err(); err != nil {
				return nil, domain.ErrTimeout
			}
			match := groupMatch{
				root:      root,
				classes:   classes,
				providers: make([]int, len(classes)),
				amounts:   make([]int64, len(classes)),
			}
			for i, rc := range classes {
				match.providers[i] = candidates[i][odometer[i]]
				match.amounts[i] = group.Resources[rc]
			}
			matches = append(matches, match)

			pos := len(odometer) - 1
			for pos >= 0 {
				odometer[pos]++
				if odometer[pos] < len(candidates[pos]) {
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
	return matches, nil
}
