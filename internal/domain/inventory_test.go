package domain

import "testing"

func TestInventory_Capacity(t *testing.T) {
	tests := []struct {
		name string
		inv  Inventory
		want int64
	}{
		{"plain", Inventory{Total: 8, AllocationRatio: 1.0}, 8},
		{"reserved", Inventory{Total: 8, Reserved: 2, AllocationRatio: 1.0}, 6},
		{"overcommit", Inventory{Total: 8, AllocationRatio: 16.0}, 128},
		{"ratio floors", Inventory{Total: 3, AllocationRatio: 1.5}, 4},
		{"overcommit with reserved", Inventory{Total: 10, Reserved: 2, AllocationRatio: 2.0}, 18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inv.Capacity(); got != tt.want {
				t.Errorf("Capacity() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInventory_AllowsAmount(t *testing.T) {
	inv := Inventory{
		Total:           16,
		Reserved:        2,
		MinUnit:         2,
		MaxUnit:         8,
		StepSize:        2,
		AllocationRatio: 1.0,
	}
	// Effective capacity is 14.

	tests := []struct {
		name   string
		amount int64
		used   int64
		want   bool
	}{
		{"fits", 4, 0, true},
		{"below min_unit", 1, 0, false},
		{"above max_unit", 10, 0, false},
		{"off the step grid", 5, 0, false},
		{"exactly min_unit", 2, 0, true},
		{"exactly max_unit", 8, 0, true},
		{"fills remaining capacity", 6, 8, true},
		{"exceeds remaining capacity", 8, 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inv.AllowsAmount(tt.amount, tt.used); got != tt.want {
				t.Errorf("AllowsAmount(%d, used=%d) = %v, want %v", tt.amount, tt.used, got, tt.want)
			}
		})
	}
}

func TestTraitFilter_Matches(t *testing.T) {
	traits := map[string]struct{}{
		"HW_CPU_X86_AVX2": {},
		"CUSTOM_FAST":     {},
	}

	tests := []struct {
		name   string
		filter TraitFilter
		want   bool
	}{
		{"empty filter", TraitFilter{}, true},
		{"required present", TraitFilter{Required: []string{"CUSTOM_FAST"}}, true},
		{"required absent", TraitFilter{Required: []string{"CUSTOM_SLOW"}}, false},
		{"forbidden present", TraitFilter{Forbidden: []string{"CUSTOM_FAST"}}, false},
		{"forbidden absent", TraitFilter{Forbidden: []string{"CUSTOM_SLOW"}}, true},
		{"any_of satisfied", TraitFilter{AnyOf: [][]string{{"CUSTOM_SLOW", "CUSTOM_FAST"}}}, true},
		{"any_of unsatisfied", TraitFilter{AnyOf: [][]string{{"CUSTOM_SLOW", "CUSTOM_COLD"}}}, false},
		{"all clauses", TraitFilter{
			Required:  []string{"HW_CPU_X86_AVX2"},
			Forbidden: []string{"CUSTOM_SLOW"},
			AnyOf:     [][]string{{"CUSTOM_FAST"}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(traits); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregateFilter_Matches(t *testing.T) {
	aggs := map[string]struct{}{"agg1": {}, "agg2": {}}

	if !(AggregateFilter{}).Matches(aggs) {
		t.Error("Empty filter must match")
	}
	if !(AggregateFilter{MemberOf: [][]string{{"agg1", "agg9"}}}).Matches(aggs) {
		t.Error("OR group with one member present must match")
	}
	if (AggregateFilter{MemberOf: [][]string{{"agg1"}, {"agg9"}}}).Matches(aggs) {
		t.Error("AND of clauses with one unsatisfied must not match")
	}
}
