package domain

import (
	"time"
)

// ResourceProvider is a node in the provider forest owning inventory,
// traits and aggregate memberships. Providers form trees via ParentUUID;
// RootUUID is denormalized and equals UUID for a root provider.
type ResourceProvider struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	ParentUUID string `json:"parent_provider_uuid,omitempty"`
	RootUUID   string `json:"root_provider_uuid"`

	// Generation increases by exactly one on every inventory, trait or
	// aggregate mutation. Writers CAS against the generation they read.
	Generation int64 `json:"generation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the provider is the root of its tree.
func (p *ResourceProvider) IsRoot() bool {
	return p.ParentUUID == ""
}
