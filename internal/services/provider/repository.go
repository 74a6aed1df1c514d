// Package provider implements the resource provider management service:
// CRUD over providers and their inventories, traits and aggregates with
// generation-based optimistic concurrency.
package provider

import (
	"context"

	"github.com/pavera/placement/internal/domain"
)

// Repository defines the data access the provider service needs. Mutations
// take the caller's generation and fail with domain.ErrConflict when the
// stored generation differs; every successful mutation bumps the provider
// generation by exactly one. Multi-row writes are transactional.
type Repository interface {
	CreateProvider(ctx context.Context, rp *domain.ResourceProvider) (*domain.ResourceProvider, error)
	GetProvider(ctx context.Context, uuid string) (*domain.ResourceProvider, error)
	GetProviderByName(ctx context.Context, name string) (*domain.ResourceProvider, error)
	ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error)

	// UpdateProvider renames and/or reparents a provider. Reparenting
	// rewrites the denormalized root of the whole subtree in the same
	// transaction.
	UpdateProvider(ctx context.Context, rp *domain.ResourceProvider, generation int64) (*domain.ResourceProvider, error)

	// DeleteProvider removes a provider that has no children and no
	// allocations.
	DeleteProvider(ctx context.Context, uuid string) error

	GetInventories(ctx context.Context, rp string) ([]domain.Inventory, error)
	// ReplaceInventories swaps the provider's full inventory set.
	ReplaceInventories(ctx context.Context, rp string, generation int64, invs []domain.Inventory) error

	GetTraits(ctx context.Context, rp string) ([]string, error)
	ReplaceTraits(ctx context.Context, rp string, generation int64, traits []string) error

	GetAggregates(ctx context.Context, rp string) ([]string, error)
	ReplaceAggregates(ctx context.Context, rp string, generation int64, aggregates []string) error

	// Usages sums allocation amounts per resource class for one provider.
	Usages(ctx context.Context, rp string) (map[string]int64, error)

	// ListChildren returns the direct children of a provider.
	ListChildren(ctx context.Context, rp string) ([]*domain.ResourceProvider, error)
}
