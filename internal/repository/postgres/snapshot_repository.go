package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/solver"
)

// Ensure SnapshotRepository implements solver.Repository
var _ solver.Repository = (*SnapshotRepository)(nil)

// SnapshotRepository serves the solver's lock-free world reads.
type SnapshotRepository struct {
	providers *ProviderRepository
	db        *DB
	logger    *zap.Logger
}

// NewSnapshotRepository creates a new PostgreSQL snapshot repository.
func NewSnapshotRepository(db *DB, providers *ProviderRepository, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		providers: providers,
		db:        db,
		logger:    logger.With(zap.String("repository", "snapshot")),
	}
}

// ListProviders returns every resource provider.
func (r *SnapshotRepository) ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error) {
	return r.providers.ListProviders(ctx)
}

// ListInventories returns every inventory row.
func (r *SnapshotRepository) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT resource_provider_uuid, resource_class, total, reserved,
		       min_unit, max_unit, step_size, allocation_ratio
		FROM inventories
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventories: %w", err)
	}
	defer rows.Close()

	var invs []domain.Inventory
	for rows.Next() {
		var inv domain.Inventory
		if err := rows.Scan(
			&inv.ProviderUUID, &inv.ResourceClass, &inv.Total, &inv.Reserved,
			&inv.MinUnit, &inv.MaxUnit, &inv.StepSize, &inv.AllocationRatio,
		); err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// ListAllocations returns every allocation row.
func (r *SnapshotRepository) ListAllocations(ctx context.Context) ([]domain.Allocation, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT consumer_uuid, resource_provider_uuid, resource_class, used
		FROM allocations
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(&a.ConsumerUUID, &a.ProviderUUID, &a.ResourceClass, &a.Used); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// ProviderTraits returns the trait set per provider uuid.
func (r *SnapshotRepository) ProviderTraits(ctx context.Context) (map[string][]string, error) {
	return r.groupStrings(ctx, `
		SELECT resource_provider_uuid, trait FROM provider_traits ORDER BY trait ASC
	`)
}

// ProviderAggregates returns the aggregate memberships per provider uuid.
func (r *SnapshotRepository) ProviderAggregates(ctx context.Context) (map[string][]string, error) {
	return r.groupStrings(ctx, `
		SELECT resource_provider_uuid, aggregate_uuid FROM provider_aggregates ORDER BY aggregate_uuid ASC
	`)
}

func (r *SnapshotRepository) groupStrings(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	result := map[string][]string{}
	for rows.Next() {
		var rp, value string
		if err := rows.Scan(&rp, &value); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		result[rp] = append(result[rp], value)
	}
	return result, rows.Err()
}
