package solver

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
)

// Solver enumerates allocation candidates for parsed requests. It holds no
// cross-request mutable state and is safe for concurrent use.
type Solver struct {
	repo   Repository
	config Config
	logger *zap.Logger
}

// New creates a new Solver instance.
func New(repo Repository, config Config, logger *zap.Logger) *Solver {
	return &Solver{
		repo:   repo,
		config: config,
		logger: logger.With(zap.String("component", "solver")),
	}
}

// Candidates returns every distinct assignment of the request's groups to
// resource providers satisfying capacity, trait, aggregate and locality
// constraints, plus summaries for the providers involved.
func (s *Solver) Candidates(ctx context.Context, req *domain.CandidateRequest) (*domain.AllocationCandidates, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if s.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Deadline)
		defer cancel()
	}

	snap, err := buildSnapshot(ctx, s.repo)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrTimeout
		}
		return nil, err
	}

	empty := &domain.AllocationCandidates{
		AllocationRequests: []domain.AllocationRequest{},
		ProviderSummaries:  map[string]domain.ProviderSummary{},
	}

	matchesBySuffix := map[string][]groupMatch{}
	for suffix, group := range req.Groups {
		matches, err := snap.matchGroup(ctx, group)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Matched resource group",
			zap.String("suffix", suffix),
			zap.Int("matches", len(matches)),
		)
		if len(matches) == 0 {
			// One unsatisfiable group shoots down the whole request.
			return empty, nil
		}
		matchesBySuffix[suffix] = matches
	}

	limit := s.config.MaxCandidates
	if req.Limit > 0 && (limit <= 0 || req.Limit < limit) {
		limit = req.Limit
	}

	areqs, err := snap.combine(ctx, req, matchesBySuffix, limit)
	if err != nil {
		return nil, err
	}
	if len(areqs) == 0 {
		return empty, nil
	}

	s.logger.Debug("Enumerated allocation candidates",
		zap.Int("allocation_requests", len(areqs)),
		zap.Int("groups", len(req.Groups)),
	)

	return &domain.AllocationCandidates{
		AllocationRequests: areqs,
		ProviderSummaries:  snap.summaries(areqs),
	}, nil
}

// validateRequest applies the structural rules that span groups.
func validateRequest(req *domain.CandidateRequest) error {
	resourceful := false
	for _, group := range req.Groups {
		if !group.IsResourceless() {
			resourceful = true
			break
		}
	}
	if !resourceful {
		return domain.NewMissingValue("at least one group must request resources")
	}

	anchored := map[string]struct{}{}
	for _, clause := range req.SameSubtrees {
		for _, suffix := range clause {
			if suffix == "" {
				return domain.NewBadValue("same_subtree cannot reference the unsuffixed group")
			}
			if _, ok := req.Groups[suffix]; !ok {
				return domain.NewBadValue("same_subtree references unknown group suffix %q", suffix)
			}
			anchored[suffix] = struct{}{}
		}
	}

	for suffix, group := range req.Groups {
		if !group.IsResourceless() {
			continue
		}
		if !group.HasFilters() {
			return domain.NewBadValue("group %q requests no resources and carries no filters", suffix)
		}
		if _, ok := anchored[suffix]; ok {
			continue
		}
		if group.Aggregates.IsEmpty() {
			return domain.NewBadValue(
				"resourceless group %q must be listed in same_subtree or constrained by member_of", suffix)
		}
	}
	return nil
}

// summaries builds provider summaries for every provider in every tree an
// emitted allocation request touches.
func (s *snapshot) summaries(areqs []domain.AllocationRequest) map[string]domain.ProviderSummary {
	roots := map[int]struct{}{}
	note := func(uuid string) {
		if idx, ok := s.byUUID[uuid]; ok {
			roots[s.providers[idx].root] = struct{}{}
		}
	}
	for _, areq := range areqs {
		for rp := range areq.Allocations {
			note(rp)
		}
		for _, rps := range areq.Mappings {
			for _, rp := range rps {
				note(rp)
			}
		}
	}

	result := map[string]domain.ProviderSummary{}
	for root := range roots {
		for _, idx := range s.treeMembers[root] {
			node := &s.providers[idx]
			summary := domain.ProviderSummary{
				Resources: map[string]domain.ProviderSummaryResource{},
				Traits:    make([]string, 0, len(node.traits)),
				RootUUID:  s.providers[node.root].uuid,
			}
			if node.parent != -1 {
				summary.ParentUUID = s.providers[node.parent].uuid
			}
			for rc, inv := range node.inventory {
				summary.Resources[rc] = domain.ProviderSummaryResource{
					Capacity: inv.Capacity(),
					Used:     node.usages[rc],
				}
			}
			for trait := range node.traits {
				summary.Traits = append(summary.Traits, trait)
			}
			sort.Strings(summary.Traits)
			result[node.uuid] = summary
		}
	}
	return result
}

// IsTimeout reports whether err is the enumeration deadline error.
func IsTimeout(err error) bool {
	return errors.Is(err, domain.ErrTimeout)
}
