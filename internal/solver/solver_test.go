// Package solver provides tests for the allocation-candidate solver.
package solver

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
)

// MockRepository is an in-memory implementation of Repository.
type MockRepository struct {
	providers   []*domain.ResourceProvider
	inventories []domain.Inventory
	allocations []domain.Allocation
	traits      map[string][]string
	aggregates  map[string][]string
}

func (m *MockRepository) ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error) {
	return m.providers, nil
}

func (m *MockRepository) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	return m.inventories, nil
}

func (m *MockRepository) ListAllocations(ctx context.Context) ([]domain.Allocation, error) {
	return m.allocations, nil
}

func (m *MockRepository) ProviderTraits(ctx context.Context) (map[string][]string, error) {
	return m.traits, nil
}

func (m *MockRepository) ProviderAggregates(ctx context.Context) (map[string][]string, error) {
	return m.aggregates, nil
}

// Fixture: one compute node with two NUMA nodes. FPGA0 sits under NUMA0,
// FPGA1_0 and FPGA1_1 under NUMA1, and a NIC under the root.
const (
	cn1    = "10000000-0000-0000-0000-000000000001"
	numa0  = "20000000-0000-0000-0000-000000000001"
	numa1  = "30000000-0000-0000-0000-000000000001"
	fpga0  = "40000000-0000-0000-0000-000000000001"
	fpga10 = "50000000-0000-0000-0000-000000000001"
	fpga11 = "60000000-0000-0000-0000-000000000001"
	nic1   = "70000000-0000-0000-0000-000000000001"
)

func numaFixture() *MockRepository {
	rp := func(uuid, name, parent, root string) *domain.ResourceProvider {
		return &domain.ResourceProvider{UUID: uuid, Name: name, ParentUUID: parent, RootUUID: root}
	}
	return &MockRepository{
		providers: []*domain.ResourceProvider{
			rp(cn1, "cn1", "", cn1),
			rp(numa0, "cn1_numa0", cn1, cn1),
			rp(numa1, "cn1_numa1", cn1, cn1),
			rp(fpga0, "cn1_numa0_fpga0", numa0, cn1),
			rp(fpga10, "cn1_numa1_fpga1_0", numa1, cn1),
			rp(fpga11, "cn1_numa1_fpga1_1", numa1, cn1),
			rp(nic1, "cn1_nic1", cn1, cn1),
		},
		inventories: []domain.Inventory{
			domain.DefaultInventory(numa0, "VCPU", 8),
			domain.DefaultInventory(numa0, "MEMORY_MB", 4096),
			domain.DefaultInventory(numa1, "VCPU", 8),
			domain.DefaultInventory(numa1, "MEMORY_MB", 4096),
			domain.DefaultInventory(fpga0, "CUSTOM_FPGA", 1),
			domain.DefaultInventory(fpga10, "CUSTOM_FPGA", 1),
			domain.DefaultInventory(fpga11, "CUSTOM_FPGA", 1),
			domain.DefaultInventory(nic1, "SRIOV_NET_VF", 4),
		},
		traits: map[string][]string{
			cn1:    {"COMPUTE_VOLUME_MULTI_ATTACH"},
			fpga0:  {"CUSTOM_FPGA_INTEL"},
			fpga10: {"CUSTOM_FPGA_XILINX"},
			fpga11: {"CUSTOM_FPGA_XILINX"},
			nic1:   {"HW_NIC_SRIOV"},
		},
		aggregates: map[string][]string{},
	}
}

func newTestSolver(repo Repository) *Solver {
	logger, _ := zap.NewDevelopment()
	return New(repo, DefaultConfig(), logger)
}

func TestCandidates_TwoGroupsNoLocality(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
			"_ACCEL":   {Suffix: "_ACCEL", Resources: map[string]int64{"CUSTOM_FPGA": 1}},
		},
		GroupPolicy: domain.GroupPolicyNone,
	}

	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 6 {
		t.Errorf("Expected 6 allocation requests, got %d", got)
	}

	// Every provider in the tree shows up in the summaries.
	for _, uuid := range []string{cn1, numa0, numa1, fpga0, fpga10, fpga11, nic1} {
		if _, ok := result.ProviderSummaries[uuid]; !ok {
			t.Errorf("Missing provider summary for %s", uuid)
		}
	}
}

func TestCandidates_SameSubtree(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
			"_ACCEL":   {Suffix: "_ACCEL", Resources: map[string]int64{"CUSTOM_FPGA": 1}},
		},
		GroupPolicy:  domain.GroupPolicyNone,
		SameSubtrees: [][]string{{"_COMPUTE", "_ACCEL"}},
	}

	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 3 {
		t.Fatalf("Expected 3 allocation requests, got %d", got)
	}

	// Each surviving pair must be NUMA-local: VCPU from the FPGA's parent.
	local := map[string]string{fpga0: numa0, fpga10: numa1, fpga11: numa1}
	for _, areq := range result.AllocationRequests {
		var fpga, vcpu string
		for rp, byRC := range areq.Allocations {
			if _, ok := byRC["CUSTOM_FPGA"]; ok {
				fpga = rp
			}
			if _, ok := byRC["VCPU"]; ok {
				vcpu = rp
			}
		}
		if local[fpga] != vcpu {
			t.Errorf("FPGA %s paired with VCPU provider %s, want %s", fpga, vcpu, local[fpga])
		}
	}
}

func TestCandidates_SameSubtreeIsolateConflict(t *testing.T) {
	s := newTestSolver(numaFixture())

	// VCPU and MEMORY_MB only exist together on the NUMA providers, so
	// same_subtree forces one provider while isolate forbids sharing it.
	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE1": {Suffix: "_COMPUTE1", Resources: map[string]int64{"VCPU": 1}},
			"_COMPUTE2": {Suffix: "_COMPUTE2", Resources: map[string]int64{"MEMORY_MB": 1024}},
		},
		GroupPolicy:  domain.GroupPolicyIsolate,
		SameSubtrees: [][]string{{"_COMPUTE1", "_COMPUTE2"}},
	}

	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 0 {
		t.Errorf("Expected 0 allocation requests, got %d", got)
	}
}

func TestCandidates_IsolateWithResourcelessAnchor(t *testing.T) {
	s := newTestSolver(numaFixture())

	// A resourceless anchor group tied to a resourceful group by
	// same_subtree is accepted under isolate and adds no allocations.
	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
			"_ACCEL":   {Suffix: "_ACCEL", Resources: map[string]int64{"CUSTOM_FPGA": 1}},
			"_ANCHOR": {
				Suffix: "_ANCHOR",
				Traits: domain.TraitFilter{Required: []string{"COMPUTE_VOLUME_MULTI_ATTACH"}},
			},
		},
		GroupPolicy:  domain.GroupPolicyIsolate,
		SameSubtrees: [][]string{{"_ANCHOR", "_COMPUTE"}},
	}

	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	// The anchor matches only cn1, which is an ancestor of both NUMA
	// nodes; isolate still permits all 6 resourceful combinations.
	if got := len(result.AllocationRequests); got != 6 {
		t.Fatalf("Expected 6 allocation requests, got %d", got)
	}
	for _, areq := range result.AllocationRequests {
		anchor := areq.Mappings["_ANCHOR"]
		if len(anchor) != 1 || anchor[0] != cn1 {
			t.Errorf("Anchor group mapped to %v, want [%s]", anchor, cn1)
		}
		if _, ok := areq.Allocations[cn1]; ok {
			t.Errorf("Resourceless anchor must not contribute allocations")
		}
	}
}

func TestCandidates_ResourcelessNotAnchoredRejected(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"1": {Suffix: "1", Resources: map[string]int64{"VCPU": 1}},
			"2": {
				Suffix: "2",
				Traits: domain.TraitFilter{Required: []string{"COMPUTE_VOLUME_MULTI_ATTACH"}},
			},
		},
		GroupPolicy: domain.GroupPolicyNone,
	}

	_, err := s.Candidates(context.Background(), req)
	br, ok := domain.AsBadRequest(err)
	if !ok {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
	if br.Code != domain.CodeBadValue {
		t.Errorf("Expected code %s, got %s", domain.CodeBadValue, br.Code)
	}
}

func TestCandidates_SameSubtreeUnknownSuffixRejected(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
		},
		SameSubtrees: [][]string{{"_COMPUTE", "_MISSING"}},
	}

	_, err := s.Candidates(context.Background(), req)
	if _, ok := domain.AsBadRequest(err); !ok {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
}

func TestCandidates_NoResourcesRejected(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_A": {
				Suffix:     "_A",
				Traits:     domain.TraitFilter{Required: []string{"HW_NIC_SRIOV"}},
				Aggregates: domain.AggregateFilter{MemberOf: [][]string{{"agg"}}},
			},
		},
	}

	_, err := s.Candidates(context.Background(), req)
	br, ok := domain.AsBadRequest(err)
	if !ok {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
	if br.Code != domain.CodeMissingValue {
		t.Errorf("Expected code %s, got %s", domain.CodeMissingValue, br.Code)
	}
}

func TestCandidates_SingleRootProperty(t *testing.T) {
	repo := numaFixture()
	// A second, unrelated tree holding the same resource classes.
	cn2 := "80000000-0000-0000-0000-000000000001"
	cn2numa := "90000000-0000-0000-0000-000000000001"
	repo.providers = append(repo.providers,
		&domain.ResourceProvider{UUID: cn2, Name: "cn2", RootUUID: cn2},
		&domain.ResourceProvider{UUID: cn2numa, Name: "cn2_numa0", ParentUUID: cn2, RootUUID: cn2},
	)
	repo.inventories = append(repo.inventories,
		domain.DefaultInventory(cn2numa, "VCPU", 8),
		domain.DefaultInventory(cn2numa, "MEMORY_MB", 4096),
	)

	s := newTestSolver(repo)
	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
			"_MEM":     {Suffix: "_MEM", Resources: map[string]int64{"MEMORY_MB": 512}},
		},
	}

	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	// cn1 contributes 2x2 combinations, cn2 a single one; none may mix
	// providers across roots.
	if got := len(result.AllocationRequests); got != 5 {
		t.Fatalf("Expected 5 allocation requests, got %d", got)
	}
	roots := map[string]string{
		numa0: cn1, numa1: cn1, cn2numa: cn2,
	}
	for _, areq := range result.AllocationRequests {
		seen := map[string]struct{}{}
		for rp := range areq.Allocations {
			seen[roots[rp]] = struct{}{}
		}
		if len(seen) != 1 {
			t.Errorf("Allocation request spans multiple roots: %v", areq.Allocations)
		}
	}
}

func TestCandidates_DeduplicatesRequests(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
		},
	}
	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}

	seen := map[string]struct{}{}
	for _, areq := range result.AllocationRequests {
		key := canonicalKey(areq)
		if _, dup := seen[key]; dup {
			t.Errorf("Duplicate allocation request emitted: %s", key)
		}
		seen[key] = struct{}{}
	}
}

func TestCandidates_TraitFiltering(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_ACCEL": {
				Suffix:    "_ACCEL",
				Resources: map[string]int64{"CUSTOM_FPGA": 1},
				Traits: domain.TraitFilter{
					Required:  []string{"CUSTOM_FPGA_XILINX"},
					Forbidden: []string{"CUSTOM_FPGA_INTEL"},
				},
			},
		},
	}
	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 2 {
		t.Fatalf("Expected 2 allocation requests, got %d", got)
	}
	for _, areq := range result.AllocationRequests {
		if _, ok := areq.Allocations[fpga0]; ok {
			t.Errorf("fpga0 carries a forbidden trait and must not appear")
		}
	}
}

func TestCandidates_CapacityRespected(t *testing.T) {
	repo := numaFixture()
	// Tie up fpga0 completely.
	repo.allocations = []domain.Allocation{
		{
			ConsumerUUID:  "c0000000-0000-0000-0000-000000000001",
			ProviderUUID:  fpga0,
			ResourceClass: "CUSTOM_FPGA",
			Used:          1,
		},
	}
	s := newTestSolver(repo)

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_ACCEL": {Suffix: "_ACCEL", Resources: map[string]int64{"CUSTOM_FPGA": 1}},
		},
	}
	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 2 {
		t.Fatalf("Expected 2 allocation requests, got %d", got)
	}
	for _, areq := range result.AllocationRequests {
		if _, ok := areq.Allocations[fpga0]; ok {
			t.Errorf("fpga0 is fully allocated and must not appear")
		}
	}
}

func TestCandidates_LimitCapsResults(t *testing.T) {
	s := newTestSolver(numaFixture())

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
			"_ACCEL":   {Suffix: "_ACCEL", Resources: map[string]int64{"CUSTOM_FPGA": 1}},
		},
		Limit: 2,
	}
	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 2 {
		t.Errorf("Expected 2 allocation requests, got %d", got)
	}
}

func TestCandidates_DeadlineExceeded(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := DefaultConfig()
	cfg.Deadline = time.Nanosecond
	s := New(numaFixture(), cfg, logger)

	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"_COMPUTE": {Suffix: "_COMPUTE", Resources: map[string]int64{"VCPU": 1}},
		},
	}
	// The deadline elapses before enumeration begins.
	time.Sleep(time.Millisecond)
	_, err := s.Candidates(context.Background(), req)
	if !IsTimeout(err) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
}

func TestCandidates_GranularSplitWithinGroup(t *testing.T) {
	s := newTestSolver(numaFixture())

	// One group asking for two classes: each class binds to a single
	// provider, but the classes may split across providers in the tree.
	req := &domain.CandidateRequest{
		Groups: map[string]*domain.RequestGroup{
			"": {Suffix: "", Resources: map[string]int64{"VCPU": 2, "MEMORY_MB": 1024}},
		},
	}
	result, err := s.Candidates(context.Background(), req)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if got := len(result.AllocationRequests); got != 4 {
		t.Fatalf("Expected 4 allocation requests, got %d", got)
	}
}
