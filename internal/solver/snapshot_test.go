package solver

import (
	"context"
	"testing"

	"github.com/pavera/placement/internal/domain"
)

func buildFixtureSnapshot(t *testing.T) *snapshot {
	t.Helper()
	snap, err := buildSnapshot(context.Background(), numaFixture())
	if err != nil {
		t.Fatalf("buildSnapshot failed: %v", err)
	}
	return snap
}

func TestSnapshot_TreeLinks(t *testing.T) {
	snap := buildFixtureSnapshot(t)

	for _, uuid := range []string{numa0, numa1, fpga0, fpga10, fpga11, nic1} {
		idx := snap.byUUID[uuid]
		if rootUUID := snap.providers[snap.providers[idx].root].uuid; rootUUID != cn1 {
			t.Errorf("Provider %s resolved root %s, want %s", uuid, rootUUID, cn1)
		}
	}

	rootIdx := snap.byUUID[cn1]
	if snap.providers[rootIdx].parent != -1 {
		t.Error("Root provider must have no parent")
	}
	if len(snap.treeMembers[rootIdx]) != 7 {
		t.Errorf("Expected 7 tree members, got %d", len(snap.treeMembers[rootIdx]))
	}
}

func TestSnapshot_IsInSubtree(t *testing.T) {
	snap := buildFixtureSnapshot(t)

	tests := []struct {
		rp, anchor string
		want       bool
	}{
		{fpga0, numa0, true},
		{fpga0, cn1, true},
		{fpga0, fpga0, true},
		{fpga0, numa1, false},
		{numa0, fpga0, false},
		{numa0, numa1, false},
	}
	for _, tt := range tests {
		got := snap.isInSubtree(snap.byUUID[tt.rp], snap.byUUID[tt.anchor])
		if got != tt.want {
			t.Errorf("isInSubtree(%s, %s) = %v, want %v", tt.rp, tt.anchor, got, tt.want)
		}
	}
}

func TestSnapshot_CyclicParentChainRejected(t *testing.T) {
	a := "aa000000-0000-0000-0000-000000000001"
	b := "bb000000-0000-0000-0000-000000000001"
	repo := &MockRepository{
		providers: []*domain.ResourceProvider{
			{UUID: a, Name: "a", ParentUUID: b},
			{UUID: b, Name: "b", ParentUUID: a},
		},
		traits:     map[string][]string{},
		aggregates: map[string][]string{},
	}
	if _, err := buildSnapshot(context.Background(), repo); err == nil {
		t.Fatal("Expected cycle detection to fail the build")
	}
}

func TestSnapshot_EligibleProviders(t *testing.T) {
	snap := buildFixtureSnapshot(t)

	group := &domain.RequestGroup{
		Traits: domain.TraitFilter{Required: []string{"CUSTOM_FPGA_XILINX"}},
	}
	eligible := snap.eligibleProviders(group)
	if len(eligible) != 2 {
		t.Fatalf("Expected 2 eligible providers, got %d", len(eligible))
	}
	for _, idx := range eligible {
		uuid := snap.providers[idx].uuid
		if uuid != fpga10 && uuid != fpga11 {
			t.Errorf("Unexpected eligible provider %s", uuid)
		}
	}

	// Ascending uuid order is part of the contract.
	for i := 1; i < len(eligible); i++ {
		if snap.providers[eligible[i-1]].uuid >= snap.providers[eligible[i]].uuid {
			t.Error("Eligible providers not in ascending uuid order")
		}
	}
}

func TestSnapshot_AssignableUsesLiveUsage(t *testing.T) {
	repo := numaFixture()
	repo.allocations = []domain.Allocation{
		{
			ConsumerUUID:  "c0000000-0000-0000-0000-000000000001",
			ProviderUUID:  numa0,
			ResourceClass: "VCPU",
			Used:          7,
		},
	}
	snap, err := buildSnapshot(context.Background(), repo)
	if err != nil {
		t.Fatalf("buildSnapshot failed: %v", err)
	}

	idx := snap.byUUID[numa0]
	if !snap.assignable(idx, "VCPU", 1) {
		t.Error("One remaining VCPU must be assignable")
	}
	if snap.assignable(idx, "VCPU", 2) {
		t.Error("Two VCPU exceed remaining capacity")
	}
	if snap.assignable(idx, "DISK_GB", 1) {
		t.Error("Classes without inventory are never assignable")
	}
}
