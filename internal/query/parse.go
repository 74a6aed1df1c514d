// Package query parses allocation-candidate requests from URL query
// parameters into their structured form. A parameter key is either a bare
// option (resources, required, member_of) forming the empty-suffix group,
// or carries a group suffix appended to the option name (resources_COMPUTE,
// required1). The suffix is everything after the option name, verbatim.
package query

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pavera/placement/internal/domain"
)

const anyOfPrefix = "in:"

var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// groupedOptions are the parameters that accept a group suffix.
var groupedOptions = []string{"member_of", "required", "resources"}

// wideOptions are the request-wide parameters.
var wideOptions = map[string]struct{}{
	"group_policy": {},
	"same_subtree": {},
	"limit":        {},
}

// ParseCandidateRequest turns raw query values into a CandidateRequest.
// Unknown keys, malformed suffixes and malformed values fail with
// BadRequest; structural validation across groups is left to the solver.
func ParseCandidateRequest(values url.Values) (*domain.CandidateRequest, error) {
	req := &domain.CandidateRequest{
		Groups:      map[string]*domain.RequestGroup{},
		GroupPolicy: domain.GroupPolicyNone,
	}

	// Iterate keys in stable order so the first error is deterministic.
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := wideOptions[key]; ok {
			continue
		}
		option, suffix, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		group := groupFor(req, suffix)
		for _, raw := range values[key] {
			switch option {
			case "resources":
				if err := parseResources(group, raw); err != nil {
					return nil, err
				}
			case "required":
				if err := parseRequired(group, raw); err != nil {
					return nil, err
				}
			case "member_of":
				if err := parseMemberOf(group, raw); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := parseWideParams(req, values); err != nil {
		return nil, err
	}
	return req, nil
}

// splitKey resolves a query key to its option name and group suffix.
func splitKey(key string) (string, string, error) {
	for _, option := range groupedOptions {
		if !strings.HasPrefix(key, option) {
			continue
		}
		suffix := key[len(option):]
		if suffix == "" {
			return option, "", nil
		}
		if !suffixPattern.MatchString(suffix) {
			return "", "", domain.NewBadValue("malformed suffix in query parameter %q", key)
		}
		return option, suffix, nil
	}
	return "", "", domain.NewBadValue("unrecognized query parameter %q", key)
}

func groupFor(req *domain.CandidateRequest, suffix string) *domain.RequestGroup {
	group, ok := req.Groups[suffix]
	if !ok {
		group = &domain.RequestGroup{Suffix: suffix}
		req.Groups[suffix] = group
	}
	return group
}

// parseResources handles values of the form "VCPU:2,MEMORY_MB:1024".
func parseResources(group *domain.RequestGroup, raw string) error {
	if raw == "" {
		return domain.NewMissingValue("resources%s expects at least one RESOURCE_CLASS:N pair", group.Suffix)
	}
	if group.Resources == nil {
		group.Resources = map[string]int64{}
	}
	for _, pair := range strings.Split(raw, ",") {
		rc, amountStr, ok := strings.Cut(pair, ":")
		if !ok || rc == "" {
			return domain.NewBadValue("malformed resources value %q, expected RESOURCE_CLASS:N", pair)
		}
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil || amount <= 0 {
			return domain.NewBadValue("resource amount for %s must be a positive integer, got %q", rc, amountStr)
		}
		group.Resources[rc] = amount
	}
	return nil
}

// parseRequired handles one occurrence of required[_S]. A value with the
// "in:" prefix is a single any-of group; otherwise it is a comma list of
// required and (with a leading "!") forbidden traits, each ANDed.
func parseRequired(group *domain.RequestGroup, raw string) error {
	if raw == "" {
		return domain.NewMissingValue("required%s expects at least one trait", group.Suffix)
	}
	if rest, ok := strings.CutPrefix(raw, anyOfPrefix); ok {
		anyOf, err := splitTraitList(rest)
		if err != nil {
			return err
		}
		group.Traits.AnyOf = append(group.Traits.AnyOf, anyOf)
		return nil
	}
	for _, item := range strings.Split(raw, ",") {
		if forbidden, ok := strings.CutPrefix(item, "!"); ok {
			if forbidden == "" {
				return domain.NewBadValue("empty forbidden trait in required%s", group.Suffix)
			}
			group.Traits.Forbidden = append(group.Traits.Forbidden, forbidden)
			continue
		}
		if item == "" {
			return domain.NewBadValue("empty trait in required%s", group.Suffix)
		}
		group.Traits.Required = append(group.Traits.Required, item)
	}
	return nil
}

// parseMemberOf handles one occurrence of member_of[_S]. The "in:" prefix
// turns the comma list into one OR group; without it every aggregate is its
// own clause. Occurrences are ANDed.
func parseMemberOf(group *domain.RequestGroup, raw string) error {
	if raw == "" {
		return domain.NewMissingValue("member_of%s expects at least one aggregate uuid", group.Suffix)
	}
	if rest, ok := strings.CutPrefix(raw, anyOfPrefix); ok {
		aggs, err := splitAggregateList(rest)
		if err != nil {
			return err
		}
		group.Aggregates.MemberOf = append(group.Aggregates.MemberOf, aggs)
		return nil
	}
	aggs, err := splitAggregateList(raw)
	if err != nil {
		return err
	}
	for _, agg := range aggs {
		group.Aggregates.MemberOf = append(group.Aggregates.MemberOf, []string{agg})
	}
	return nil
}

func splitTraitList(raw string) ([]string, error) {
	items := strings.Split(raw, ",")
	for _, item := range items {
		if item == "" || strings.HasPrefix(item, "!") {
			return nil, domain.NewBadValue("malformed trait list %q", raw)
		}
	}
	return items, nil
}

func splitAggregateList(raw string) ([]string, error) {
	items := strings.Split(raw, ",")
	for _, item := range items {
		if item == "" {
			return nil, domain.NewBadValue("malformed aggregate list %q", raw)
		}
	}
	return items, nil
}

func parseWideParams(req *domain.CandidateRequest, values url.Values) error {
	if policy := values.Get("group_policy"); policy != "" {
		switch domain.GroupPolicy(policy) {
		case domain.GroupPolicyNone, domain.GroupPolicyIsolate:
			req.GroupPolicy = domain.GroupPolicy(policy)
		default:
			return domain.NewBadValue("group_policy must be one of none, isolate; got %q", policy)
		}
	}

	for _, raw := range values["same_subtree"] {
		suffixes := strings.Split(raw, ",")
		for _, suffix := range suffixes {
			if suffix == "" {
				return domain.NewBadValue(
					"same_subtree value %q contains an empty suffix; the unsuffixed group cannot be referenced", raw)
			}
		}
		req.SameSubtrees = append(req.SameSubtrees, suffixes)
	}

	if rawLimit := values.Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return domain.NewBadValue("limit must be a positive integer, got %q", rawLimit)
		}
		req.Limit = limit
	}
	return nil
}
