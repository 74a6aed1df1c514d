package domain

// GroupPolicy controls whether distinct resource groups may land on the
// same provider.
type GroupPolicy string

const (
	// GroupPolicyNone lets groups share providers freely.
	GroupPolicyNone GroupPolicy = "none"
	// GroupPolicyIsolate requires resourceful groups to use pairwise
	// disjoint providers. Resourceless groups are exempt.
	GroupPolicyIsolate GroupPolicy = "isolate"
)

// RequestGroup is one clause of a candidate request, identified by its
// suffix ("" for the unsuffixed group). A group with no resources but
// nonempty filters is resourceless and serves only as a locality anchor.
type RequestGroup struct {
	Suffix     string           `json:"suffix"`
	Resources  map[string]int64 `json:"resources,omitempty"`
	Traits     TraitFilter      `json:"traits"`
	Aggregates AggregateFilter  `json:"aggregates"`
}

// IsResourceless reports whether the group requests no resources.
func (g *RequestGroup) IsResourceless() bool {
	return len(g.Resources) == 0
}

// HasFilters reports whether the group constrains traits or aggregates.
func (g *RequestGroup) HasFilters() bool {
	return !g.Traits.IsEmpty() || !g.Aggregates.IsEmpty()
}

// CandidateRequest is a parsed allocation-candidate query: the groups
// keyed by suffix plus the request-wide constraints.
type CandidateRequest struct {
	Groups       map[string]*RequestGroup `json:"groups"`
	GroupPolicy  GroupPolicy              `json:"group_policy"`
	SameSubtrees [][]string               `json:"same_subtree,omitempty"`
	Limit        int                      `json:"limit,omitempty"`
}

// AllocationRequest is one enumerated candidate: the summed allocations
// per provider per resource class, plus which group chose which providers.
type AllocationRequest struct {
	Allocations map[string]map[string]int64 `json:"allocations"`
	Mappings    map[string][]string         `json:"mappings"`
}

// ProviderSummaryResource reports capacity and current usage for one
// resource class on a summarized provider.
type ProviderSummaryResource struct {
	Capacity int64 `json:"capacity"`
	Used     int64 `json:"used"`
}

// ProviderSummary describes one provider involved in any candidate.
type ProviderSummary struct {
	Resources  map[string]ProviderSummaryResource `json:"resources"`
	Traits     []string                           `json:"traits"`
	ParentUUID string                             `json:"parent_provider_uuid,omitempty"`
	RootUUID   string                             `json:"root_provider_uuid"`
}

// AllocationCandidates is the solver's result document.
type AllocationCandidates struct {
	AllocationRequests []AllocationRequest        `json:"allocation_requests"`
	ProviderSummaries  map[string]ProviderSummary `json:"provider_summaries"`
}
