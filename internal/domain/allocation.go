package domain

// Allocation is a quantity of one resource class drawn by a consumer from
// one provider. Used is always positive; a zero usage is expressed by the
// row's absence.
type Allocation struct {
	ConsumerUUID  string `json:"consumer_uuid"`
	ProviderUUID  string `json:"resource_provider_uuid"`
	ResourceClass string `json:"resource_class"`
	Used          int64  `json:"used"`
}

// ProviderAllocation is the per-provider part of an allocation write:
// amounts per resource class, with an optional provider generation to CAS
// against.
type ProviderAllocation struct {
	Generation *int64           `json:"generation,omitempty"`
	Resources  map[string]int64 `json:"resources"`
}

// AllocationPayload is one consumer's replacement bundle as submitted by a
// client. An empty Allocations map removes the consumer's allocations and
// the consumer record itself.
type AllocationPayload struct {
	ConsumerGeneration *int64                        `json:"consumer_generation,omitempty"`
	ProjectID          string                        `json:"project_id"`
	UserID             string                        `json:"user_id"`
	Allocations        map[string]ProviderAllocation `json:"allocations"`
	Mappings           map[string][]string           `json:"mappings,omitempty"`
}

// Bundle flattens the payload into allocation rows for consumer uuid.
func (p *AllocationPayload) Bundle(consumer string) []Allocation {
	var allocs []Allocation
	for rp, pa := range p.Allocations {
		for rc, used := range pa.Resources {
			allocs = append(allocs, Allocation{
				ConsumerUUID:  consumer,
				ProviderUUID:  rp,
				ResourceClass: rc,
				Used:          used,
			})
		}
	}
	return allocs
}
