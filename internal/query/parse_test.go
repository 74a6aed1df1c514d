package query

import (
	"net/url"
	"testing"

	"github.com/pavera/placement/internal/domain"
)

func mustParse(t *testing.T, raw string) *domain.CandidateRequest {
	t.Helper()
	values, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("Failed to parse query string: %v", err)
	}
	req, err := ParseCandidateRequest(values)
	if err != nil {
		t.Fatalf("ParseCandidateRequest failed: %v", err)
	}
	return req
}

func parseError(t *testing.T, raw string) *domain.BadRequestError {
	t.Helper()
	values, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("Failed to parse query string: %v", err)
	}
	_, err = ParseCandidateRequest(values)
	br, ok := domain.AsBadRequest(err)
	if !ok {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
	return br
}

func TestParse_UnsuffixedGroup(t *testing.T) {
	req := mustParse(t, "resources=VCPU:2,MEMORY_MB:1024&required=HW_CPU_X86_AVX2,!CUSTOM_SLOW")

	group, ok := req.Groups[""]
	if !ok {
		t.Fatal("Expected the empty-suffix group")
	}
	if group.Resources["VCPU"] != 2 || group.Resources["MEMORY_MB"] != 1024 {
		t.Errorf("Unexpected resources: %v", group.Resources)
	}
	if len(group.Traits.Required) != 1 || group.Traits.Required[0] != "HW_CPU_X86_AVX2" {
		t.Errorf("Unexpected required traits: %v", group.Traits.Required)
	}
	if len(group.Traits.Forbidden) != 1 || group.Traits.Forbidden[0] != "CUSTOM_SLOW" {
		t.Errorf("Unexpected forbidden traits: %v", group.Traits.Forbidden)
	}
}

func TestParse_SuffixForms(t *testing.T) {
	req := mustParse(t, "resources_COMPUTE=VCPU:1&resources1=DISK_GB:10")

	if _, ok := req.Groups["_COMPUTE"]; !ok {
		t.Error("Expected group with suffix _COMPUTE")
	}
	if _, ok := req.Groups["1"]; !ok {
		t.Error("Expected group with suffix 1")
	}
}

func TestParse_AnyOfTraits(t *testing.T) {
	req := mustParse(t, "required_NET=in:HW_NIC_DCB,HW_NIC_SRIOV&required_NET=CUSTOM_FAST")

	group := req.Groups["_NET"]
	if group == nil {
		t.Fatal("Expected group _NET")
	}
	if len(group.Traits.AnyOf) != 1 || len(group.Traits.AnyOf[0]) != 2 {
		t.Errorf("Unexpected any_of clauses: %v", group.Traits.AnyOf)
	}
	if len(group.Traits.Required) != 1 || group.Traits.Required[0] != "CUSTOM_FAST" {
		t.Errorf("Unexpected required traits: %v", group.Traits.Required)
	}
}

func TestParse_MemberOf(t *testing.T) {
	agg1 := "11111111-1111-1111-1111-111111111111"
	agg2 := "22222222-2222-2222-2222-222222222222"
	agg3 := "33333333-3333-3333-3333-333333333333"
	req := mustParse(t, "resources=VCPU:1&member_of=in:"+agg1+","+agg2+"&member_of="+agg3)

	group := req.Groups[""]
	if len(group.Aggregates.MemberOf) != 2 {
		t.Fatalf("Expected 2 member_of clauses, got %d", len(group.Aggregates.MemberOf))
	}
	if len(group.Aggregates.MemberOf[0]) != 2 {
		t.Errorf("Expected first clause to be an OR group of 2: %v", group.Aggregates.MemberOf[0])
	}
	if len(group.Aggregates.MemberOf[1]) != 1 || group.Aggregates.MemberOf[1][0] != agg3 {
		t.Errorf("Expected second clause to be a singleton: %v", group.Aggregates.MemberOf[1])
	}
}

func TestParse_WideParams(t *testing.T) {
	req := mustParse(t,
		"resources_A=VCPU:1&resources_B=VCPU:1&group_policy=isolate&same_subtree=_A,_B&limit=7")

	if req.GroupPolicy != domain.GroupPolicyIsolate {
		t.Errorf("Expected isolate policy, got %s", req.GroupPolicy)
	}
	if len(req.SameSubtrees) != 1 || len(req.SameSubtrees[0]) != 2 {
		t.Errorf("Unexpected same_subtree clauses: %v", req.SameSubtrees)
	}
	if req.Limit != 7 {
		t.Errorf("Expected limit 7, got %d", req.Limit)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"unknown parameter", "resources=VCPU:1&bogus=1", domain.CodeBadValue},
		{"malformed resources pair", "resources=VCPU", domain.CodeBadValue},
		{"non-positive amount", "resources=VCPU:0", domain.CodeBadValue},
		{"negative amount", "resources=VCPU:-3", domain.CodeBadValue},
		{"empty resources", "resources=", domain.CodeMissingValue},
		{"empty trait", "resources=VCPU:1&required=,", domain.CodeBadValue},
		{"forbidden in any_of", "resources=VCPU:1&required=in:A,!B", domain.CodeBadValue},
		{"empty same_subtree suffix", "resources_COMPUTE=VCPU:1&resources_ACCEL=CUSTOM_FPGA:1&same_subtree=_COMPUTE,,_ACCEL", domain.CodeBadValue},
		{"bad group_policy", "resources=VCPU:1&group_policy=strict", domain.CodeBadValue},
		{"bad limit", "resources=VCPU:1&limit=zero", domain.CodeBadValue},
		{"negative limit", "resources=VCPU:1&limit=-1", domain.CodeBadValue},
		{"malformed suffix", "resources_A%24B=VCPU:1", domain.CodeBadValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := parseError(t, tt.query)
			if br.Code != tt.code {
				t.Errorf("Expected code %s, got %s (%s)", tt.code, br.Code, br.Detail)
			}
		})
	}
}

func TestParse_RepeatableSameSubtree(t *testing.T) {
	req := mustParse(t,
		"resources_A=VCPU:1&resources_B=VCPU:1&resources_C=VCPU:1&same_subtree=_A,_B&same_subtree=_B,_C")

	if len(req.SameSubtrees) != 2 {
		t.Fatalf("Expected 2 independent clauses, got %d", len(req.SameSubtrees))
	}
}
