package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/services/provider"
)

// Ensure ProviderRepository implements provider.Repository
var _ provider.Repository = (*ProviderRepository)(nil)

// ProviderRepository implements provider.Repository using PostgreSQL.
type ProviderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProviderRepository creates a new PostgreSQL provider repository.
func NewProviderRepository(db *DB, logger *zap.Logger) *ProviderRepository {
	return &ProviderRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "provider")),
	}
}

// CreateProvider stores a new resource provider.
func (r *ProviderRepository) CreateProvider(ctx context.Context, rp *domain.ResourceProvider) (*domain.ResourceProvider, error) {
	now := time.Now()
	rp.Generation = 0
	rp.CreatedAt = now
	rp.UpdatedAt = now

	root := rp.UUID
	if rp.ParentUUID != "" {
		parent, err := r.GetProvider(ctx, rp.ParentUUID)
		if err != nil {
			if err == domain.ErrNotFound {
				return nil, domain.NewBadValue("parent provider %q not found", rp.ParentUUID)
			}
			return nil, err
		}
		root = parent.RootUUID
	}
	rp.RootUUID = root

	query := `
		INSERT INTO resource_providers (
			uuid, name, parent_uuid, root_uuid, generation, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`

	_, err := r.db.pool.Exec(ctx, query,
		rp.UUID,
		rp.Name,
		rp.ParentUUID,
		rp.RootUUID,
		rp.Generation,
		rp.CreatedAt,
		rp.UpdatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to create provider", zap.Error(err), zap.String("name", rp.Name))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert provider: %w", err)
	}

	r.logger.Info("Created provider", zap.String("uuid", rp.UUID), zap.String("name", rp.Name))
	return rp, nil
}

// GetProvider retrieves a provider by uuid.
func (r *ProviderRepository) GetProvider(ctx context.Context, uuid string) (*domain.ResourceProvider, error) {
	query := `
		SELECT uuid, name, COALESCE(parent_uuid, ''), root_uuid, generation, created_at, updated_at
		FROM resource_providers
		WHERE uuid = $1
	`
	return r.scanProvider(ctx, query, uuid)
}

// GetProviderByName retrieves a provider by name.
func (r *ProviderRepository) GetProviderByName(ctx context.Context, name string) (*domain.ResourceProvider, error) {
	query := `
		SELECT uuid, name, COALESCE(parent_uuid, ''), root_uuid, generation, created_at, updated_at
		FROM resource_providers
		WHERE name = $1
	`
	return r.scanProvider(ctx, query, name)
}

// ListProviders returns all providers ordered by uuid.
func (r *ProviderRepository) ListProviders(ctx context.Context) ([]*domain.ResourceProvider, error) {
	query := `
		SELECT uuid, name, COALESCE(parent_uuid, ''), root_uuid, generation, created_at, updated_at
		FROM resource_providers
		ORDER BY uuid ASC
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list providers", zap.Error(err))
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*domain.ResourceProvider
	for rows.Next() {
		rp, err := scanProviderRow(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}
	return providers, nil
}

// UpdateProvider renames and/or reparents a provider under generation CAS.
// The subtree's denormalized roots are rewritten in the same transaction.
func (r *ProviderRepository) UpdateProvider(ctx context.Context, rp *domain.ResourceProvider, generation int64) (*domain.ResourceProvider, error) {
	stored := &domain.ResourceProvider{}
	err := r.db.serializableTx(ctx, func(tx pgx.Tx) error {
		return r.updateProviderTx(ctx, tx, rp, generation, stored)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Updated provider", zap.String("uuid", rp.UUID), zap.Int64("generation", stored.Generation))
	return stored, nil
}

func (r *ProviderRepository) updateProviderTx(ctx context.Context, tx pgx.Tx, rp *domain.ResourceProvider, generation int64, stored *domain.ResourceProvider) error {
	err := tx.QueryRow(ctx, `
		SELECT uuid, name, COALESCE(parent_uuid, ''), root_uuid, generation, created_at, updated_at
		FROM resource_providers
		WHERE uuid = $1
		FOR UPDATE
	`, rp.UUID).Scan(
		&stored.UUID, &stored.Name, &stored.ParentUUID, &stored.RootUUID,
		&stored.Generation, &stored.CreatedAt, &stored.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock provider: %w", err)
	}
	if stored.Generation != generation {
		return domain.ErrConflict
	}

	newRoot := rp.UUID
	if rp.ParentUUID != "" {
		parent := &domain.ResourceProvider{}
		err = tx.QueryRow(ctx, `
			SELECT uuid, root_uuid FROM resource_providers WHERE uuid = $1 FOR UPDATE
		`, rp.ParentUUID).Scan(&parent.UUID, &parent.RootUUID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return domain.NewBadValue("parent provider %q not found", rp.ParentUUID)
			}
			return fmt.Errorf("failed to lock parent: %w", err)
		}
		cyclic, err := r.isDescendant(ctx, tx, rp.ParentUUID, rp.UUID)
		if err != nil {
			return err
		}
		if cyclic {
			return domain.NewBadValue("reparenting %s under %s would create a cycle", rp.UUID, rp.ParentUUID)
		}
		if parent.RootUUID != stored.RootUUID {
			return domain.NewBadValue("provider %s may only move within its tree or become a root", rp.UUID)
		}
		newRoot = parent.RootUUID
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE resource_providers SET
			name = $2,
			parent_uuid = NULLIF($3, ''),
			generation = generation + 1,
			updated_at = $4
		WHERE uuid = $1
	`, rp.UUID, rp.Name, rp.ParentUUID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to update provider: %w", err)
	}

	// Rewrite denormalized roots for the moved subtree.
	_, err = tx.Exec(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT uuid FROM resource_providers WHERE uuid = $1
			UNION ALL
			SELECT rp.uuid FROM resource_providers rp
			JOIN subtree s ON rp.parent_uuid = s.uuid
		)
		UPDATE resource_providers SET root_uuid = $2
		WHERE uuid IN (SELECT uuid FROM subtree)
	`, rp.UUID, newRoot)
	if err != nil {
		return fmt.Errorf("failed to rewrite subtree roots: %w", err)
	}

	stored.Name = rp.Name
	stored.ParentUUID = rp.ParentUUID
	stored.RootUUID = newRoot
	stored.Generation++
	stored.UpdatedAt = now
	return nil
}

// DeleteProvider removes a childless, allocation-free provider.
func (r *ProviderRepository) DeleteProvider(ctx context.Context, uuid string) error {
	err := r.db.serializableTx(ctx, func(tx pgx.Tx) error {
		var children int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM resource_providers WHERE parent_uuid = $1`, uuid,
		).Scan(&children); err != nil {
			return fmt.Errorf("failed to count children: %w", err)
		}
		if children > 0 {
			return domain.ErrProviderHasChildren
		}

		var allocs int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM allocations WHERE resource_provider_uuid = $1`, uuid,
		).Scan(&allocs); err != nil {
			return fmt.Errorf("failed to count allocations: %w", err)
		}
		if allocs > 0 {
			return domain.ErrProviderInUse
		}

		for _, table := range []string{"inventories", "provider_traits", "provider_aggregates"} {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE resource_provider_uuid = $1`, table), uuid,
			); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		result, err := tx.Exec(ctx, `DELETE FROM resource_providers WHERE uuid = $1`, uuid)
		if err != nil {
			return fmt.Errorf("failed to delete provider: %w", err)
		}
		if result.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Deleted provider", zap.String("uuid", uuid))
	return nil
}

// ListChildren returns the direct children of a provider.
func (r *ProviderRepository) ListChildren(ctx context.Context, uuid string) ([]*domain.ResourceProvider, error) {
	if _, err := r.GetProvider(ctx, uuid); err != nil {
		return nil, err
	}
	query := `
		SELECT uuid, name, COALESCE(parent_uuid, ''), root_uuid, generation, created_at, updated_at
		FROM resource_providers
		WHERE parent_uuid = $1
		ORDER BY uuid ASC
	`
	rows, err := r.db.pool.Query(ctx, query, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var providers []*domain.ResourceProvider
	for rows.Next() {
		rp, err := scanProviderRow(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, rp)
	}
	return providers, rows.Err()
}

// GetInventories returns the provider's inventory rows.
func (r *ProviderRepository) GetInventories(ctx context.Context, rp string) ([]domain.Inventory, error) {
	query := `
		SELECT resource_provider_uuid, resource_class, total, reserved,
		       min_unit, max_unit, step_size, allocation_ratio
		FROM inventories
		WHERE resource_provider_uuid = $1
		ORDER BY resource_class ASC
	`
	rows, err := r.db.pool.Query(ctx, query, rp)
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

// ReplaceInventories swaps the provider's inventory set under generation
// CAS in one transaction.
func (r *ProviderRepository) ReplaceInventories(ctx context.Context, rp string, generation int64, invs []domain.Inventory) error {
	return r.mutateProvider(ctx, rp, generation, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT resource_class, COALESCE(SUM(used), 0)
			FROM allocations
			WHERE resource_provider_uuid = $1
			GROUP BY resource_class
		`, rp)
		if err != nil {
			return fmt.Errorf("failed to sum usages: %w", err)
		}
		used := map[string]int64{}
		for rows.Next() {
			var rc string
			var sum int64
			if err := rows.Scan(&rc, &sum); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan usage: %w", err)
			}
			used[rc] = sum
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		next := map[string]domain.Inventory{}
		for _, inv := range invs {
			next[inv.ResourceClass] = inv
		}
		for rc, sum := range used {
			inv, ok := next[rc]
			if !ok {
				return domain.ErrInventoryInUse
			}
			if sum > inv.Capacity() {
				return domain.ErrInvariantViolation
			}
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM inventories WHERE resource_provider_uuid = $1`, rp,
		); err != nil {
			return fmt.Errorf("failed to clear inventories: %w", err)
		}
		for _, inv := range invs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO inventories (
					resource_provider_uuid, resource_class, total, reserved,
					min_unit, max_unit, step_size, allocation_ratio
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, rp, inv.ResourceClass, inv.Total, inv.Reserved,
				inv.MinUnit, inv.MaxUnit, inv.StepSize, inv.AllocationRatio,
			); err != nil {
				return fmt.Errorf("failed to insert inventory: %w", err)
			}
		}
		return nil
	})
}

// GetTraits returns the provider's traits.
func (r *ProviderRepository) GetTraits(ctx context.Context, rp string) ([]string, error) {
	return r.listStrings(ctx,
		`SELECT trait FROM provider_traits WHERE resource_provider_uuid = $1 ORDER BY trait ASC`, rp)
}

// ReplaceTraits swaps the provider's trait set under generation CAS.
func (r *ProviderRepository) ReplaceTraits(ctx context.Context, rp string, generation int64, traits []string) error {
	return r.mutateProvider(ctx, rp, generation, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM provider_traits WHERE resource_provider_uuid = $1`, rp,
		); err != nil {
			return fmt.Errorf("failed to clear traits: %w", err)
		}
		for _, t := range traits {
			if _, err := tx.Exec(ctx, `
				INSERT INTO provider_traits (resource_provider_uuid, trait)
				VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, rp, t); err != nil {
				return fmt.Errorf("failed to insert trait: %w", err)
			}
		}
		return nil
	})
}

// GetAggregates returns the provider's aggregate memberships.
func (r *ProviderRepository) GetAggregates(ctx context.Context, rp string) ([]string, error) {
	return r.listStrings(ctx,
		`SELECT aggregate_uuid FROM provider_aggregates WHERE resource_provider_uuid = $1 ORDER BY aggregate_uuid ASC`, rp)
}

// ReplaceAggregates swaps the provider's aggregate memberships under
// generation CAS.
func (r *ProviderRepository) ReplaceAggregates(ctx context.Context, rp string, generation int64, aggregates []string) error {
	return r.mutateProvider(ctx, rp, generation, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM provider_aggregates WHERE resource_provider_uuid = $1`, rp,
		); err != nil {
			return fmt.Errorf("failed to clear aggregates: %w", err)
		}
		for _, agg := range aggregates {
			if _, err := tx.Exec(ctx, `
				INSERT INTO provider_aggregates (resource_provider_uuid, aggregate_uuid)
				VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, rp, agg); err != nil {
				return fmt.Errorf("failed to insert aggregate: %w", err)
			}
		}
		return nil
	})
}

// Usages sums allocation amounts per resource class for one provider.
func (r *ProviderRepository) Usages(ctx context.Context, rp string) (map[string]int64, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT resource_class, COALESCE(SUM(used), 0)
		FROM allocations
		WHERE resource_provider_uuid = $1
		GROUP BY resource_class
	`, rp)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usages: %w", err)
	}
	defer rows.Close()

	usages := map[string]int64{}
	for rows.Next() {
		var rc string
		var sum int64
		if err := rows.Scan(&rc, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		usages[rc] = sum
	}
	return usages, rows.Err()
}

// isDescendant reports whether candidate is rp itself or a descendant of
// it, by walking candidate's parent chain.
func (r *ProviderRepository) isDescendant(ctx context.Context, tx pgx.Tx, candidate, rp string) (bool, error) {
	var found bool
	err := tx.QueryRow(ctx, `
		WITH RECURSIVE chain AS (
			SELECT uuid, parent_uuid FROM resource_providers WHERE uuid = $1
			UNION ALL
			SELECT p.uuid, p.parent_uuid FROM resource_providers p
			JOIN chain c ON p.uuid = c.parent_uuid
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE uuid = $2)
	`, candidate, rp).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to walk parent chain: %w", err)
	}
	return found, nil
}

// mutateProvider locks the provider row, checks the generation, runs fn
// and bumps the generation, all in one serializable transaction.
func (r *ProviderRepository) mutateProvider(ctx context.Context, rp string, generation int64, fn func(pgx.Tx) error) error {
	return r.db.serializableTx(ctx, func(tx pgx.Tx) error {
		var stored int64
		err := tx.QueryRow(ctx,
			`SELECT generation FROM resource_providers WHERE uuid = $1 FOR UPDATE`, rp,
		).Scan(&stored)
		if err != nil {
			if err == pgx.ErrNoRows {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to lock provider: %w", err)
		}
		if stored != generation {
			return domain.ErrConflict
		}

		if err := fn(tx); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE resource_providers SET generation = generation + 1, updated_at = $2
			WHERE uuid = $1
		`, rp, time.Now()); err != nil {
			return fmt.Errorf("failed to bump generation: %w", err)
		}
		return nil
	})
}

func (r *ProviderRepository) listStrings(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// scanProvider scans a single provider row.
func (r *ProviderRepository) scanProvider(ctx context.Context, query string, arg interface{}) (*domain.ResourceProvider, error) {
	rp := &domain.ResourceProvider{}
	err := r.db.pool.QueryRow(ctx, query, arg).Scan(
		&rp.UUID, &rp.Name, &rp.ParentUUID, &rp.RootUUID,
		&rp.Generation, &rp.CreatedAt, &rp.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to scan provider", zap.Error(err))
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	return rp, nil
}

// scanProviderRow scans a provider from a rows iterator.
func scanProviderRow(rows pgx.Rows) (*domain.ResourceProvider, error) {
	rp := &domain.ResourceProvider{}
	err := rows.Scan(
		&rp.UUID, &rp.Name, &rp.ParentUUID, &rp.RootUUID,
		&rp.Generation, &rp.CreatedAt, &rp.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider row: %w", err)
	}
	return rp, nil
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces postgres error codes; 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
