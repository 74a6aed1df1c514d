package solver

import (
	"context"

	"github.com/pavera/placement/internal/domain"
)

// Repository defines the read-only data access the solver needs to build a
// request-scoped snapshot. Reads take no locks; staleness is tolerated
// because the allocation writer revalidates at commit time.
type Repository interface {
	// ListProviders returns every resource provider.
	ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error)

	// ListInventories returns every inventory row.
	ListInventories(ctx context.Context) ([]domain.Inventory, error)

	// ListAllocations returns every allocation row.
	ListAllocations(ctx context.Context) ([]domain.Allocation, error)

	// ProviderTraits returns the trait set per provider uuid.
	ProviderTraits(ctx context.Context) (map[string][]string, error)

	// ProviderAggregates returns the aggregate memberships per provider uuid.
	ProviderAggregates(ctx context.Context) (map[string][]string, error)
}
