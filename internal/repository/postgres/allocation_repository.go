package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/services/allocation"
)

// Ensure AllocationRepository implements allocation.Repository
var _ allocation.Repository = (*AllocationRepository)(nil)

// AllocationRepository implements allocation.Repository using PostgreSQL.
// The replace path is one serializable transaction; provider rows are
// locked in uuid order to keep concurrent writers deadlock-free.
type AllocationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAllocationRepository creates a new PostgreSQL allocation repository.
func NewAllocationRepository(db *DB, logger *zap.Logger) *AllocationRepository {
	return &AllocationRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "allocation")),
	}
}

// GetConsumer retrieves a consumer by uuid.
func (r *AllocationRepository) GetConsumer(ctx context.Context, uuid string) (*domain.Consumer, error) {
	c := &domain.Consumer{}
	err := r.db.pool.QueryRow(ctx, `
		SELECT uuid, project_id, user_id, generation
		FROM consumers
		WHERE uuid = $1
	`, uuid).Scan(&c.UUID, &c.ProjectID, &c.UserID, &c.Generation)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan consumer: %w", err)
	}
	return c, nil
}

// ListByConsumer returns a consumer's allocation rows.
func (r *AllocationRepository) ListByConsumer(ctx context.Context, uuid string) ([]domain.Allocation, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT consumer_uuid, resource_provider_uuid, resource_class, used
		FROM allocations
		WHERE consumer_uuid = $1
		ORDER BY resource_provider_uuid, resource_class
	`, uuid)
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

// ReplaceBundles atomically swaps the bundles of every named consumer.
func (r *AllocationRepository) ReplaceBundles(ctx context.Context, payloads map[string]*domain.AllocationPayload) error {
	consumers := make([]string, 0, len(payloads))
	for consumer := range payloads {
		consumers = append(consumers, consumer)
	}
	sort.Strings(consumers)

	var providers int
	err := r.db.serializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		providers, err = r.replaceBundlesTx(ctx, tx, consumers, payloads)
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Info("Replaced allocation bundles",
		zap.Int("consumers", len(consumers)),
		zap.Int("providers", providers),
	)
	return nil
}

// replaceBundlesTx runs the whole write inside one transaction and
// returns the number of touched providers.
func (r *AllocationRepository) replaceBundlesTx(
	ctx context.Context,
	tx pgx.Tx,
	consumers []string,
	payloads map[string]*domain.AllocationPayload,
) (int, error) {
	// 1. Consumer generation checks under row locks.
	for _, consumer := range consumers {
		payload := payloads[consumer]
		var stored *int64
		err := tx.QueryRow(ctx,
			`SELECT generation FROM consumers WHERE uuid = $1 FOR UPDATE`, consumer,
		).Scan(&stored)
		exists := true
		if err != nil {
			if err != pgx.ErrNoRows {
				return 0, fmt.Errorf("failed to lock consumer: %w", err)
			}
			exists = false
		}
		if payload.ConsumerGeneration == nil {
			continue
		}
		if !exists {
			return 0, domain.ErrConflict
		}
		var current int64
		if stored != nil {
			current = *stored
		}
		if current != *payload.ConsumerGeneration {
			return 0, domain.ErrConflict
		}
	}

	// 2. Collect and lock every touched provider in uuid order.
	touched := map[string]struct{}{}
	for _, consumer := range consumers {
		rows, err := tx.Query(ctx,
			`SELECT DISTINCT resource_provider_uuid FROM allocations WHERE consumer_uuid = $1`, consumer)
		if err != nil {
			return 0, fmt.Errorf("failed to list touched providers: %w", err)
		}
		for rows.Next() {
			var rp string
			if err := rows.Scan(&rp); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan provider uuid: %w", err)
			}
			touched[rp] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		for rp := range payloads[consumer].Allocations {
			touched[rp] = struct{}{}
		}
	}
	providers := make([]string, 0, len(touched))
	for rp := range touched {
		providers = append(providers, rp)
	}
	sort.Strings(providers)

	generations := map[string]int64{}
	for _, rp := range providers {
		var gen int64
		err := tx.QueryRow(ctx,
			`SELECT generation FROM resource_providers WHERE uuid = $1 FOR UPDATE`, rp,
		).Scan(&gen)
		if err != nil {
			if err == pgx.ErrNoRows {
				return 0, domain.ErrNotFound
			}
			return 0, fmt.Errorf("failed to lock provider: %w", err)
		}
		generations[rp] = gen
	}
	for _, consumer := range consumers {
		for rp, pa := range payloads[consumer].Allocations {
			if pa.Generation != nil && generations[rp] != *pa.Generation {
				return 0, domain.ErrConflict
			}
		}
	}

	// 3. Capacity check on the net delta per (provider, class).
	type rpRC struct{ rp, rc string }
	delta := map[rpRC]int64{}
	for _, consumer := range consumers {
		rows, err := tx.Query(ctx, `
			SELECT resource_provider_uuid, resource_class, used
			FROM allocations
			WHERE consumer_uuid = $1
		`, consumer)
		if err != nil {
			return 0, fmt.Errorf("failed to read replaced bundle: %w", err)
		}
		for rows.Next() {
			var rp, rc string
			var used int64
			if err := rows.Scan(&rp, &rc, &used); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan allocation: %w", err)
			}
			delta[rpRC{rp, rc}] -= used
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		for rp, pa := range payloads[consumer].Allocations {
			for rc, used := range pa.Resources {
				delta[rpRC{rp, rc}] += used
			}
		}
	}
	for key, d := range delta {
		if d <= 0 {
			continue
		}
		var total, reserved int64
		var ratio float64
		err := tx.QueryRow(ctx, `
			SELECT total, reserved, allocation_ratio
			FROM inventories
			WHERE resource_provider_uuid = $1 AND resource_class = $2
		`, key.rp, key.rc).Scan(&total, &reserved, &ratio)
		if err != nil {
			if err == pgx.ErrNoRows {
				return 0, domain.ErrConflict
			}
			return 0, fmt.Errorf("failed to read inventory: %w", err)
		}
		var used int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(used), 0) FROM allocations
			WHERE resource_provider_uuid = $1 AND resource_class = $2
		`, key.rp, key.rc).Scan(&used)
		if err != nil {
			return 0, fmt.Errorf("failed to sum usage: %w", err)
		}
		capacity := int64(float64(total)*ratio) - reserved
		if used+d > capacity {
			return 0, domain.ErrConflict
		}
	}

	// 4. Apply: replace bundles, maintain consumers, bump generations
	// exactly once per touched row.
	now := time.Now()
	for _, consumer := range consumers {
		payload := payloads[consumer]
		if _, err := tx.Exec(ctx,
			`DELETE FROM allocations WHERE consumer_uuid = $1`, consumer,
		); err != nil {
			return 0, fmt.Errorf("failed to clear allocations: %w", err)
		}

		if len(payload.Allocations) == 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM consumers WHERE uuid = $1`, consumer,
			); err != nil {
				return 0, fmt.Errorf("failed to delete consumer: %w", err)
			}
			continue
		}

		for rp, pa := range payload.Allocations {
			for rc, used := range pa.Resources {
				if _, err := tx.Exec(ctx, `
					INSERT INTO allocations (consumer_uuid, resource_provider_uuid, resource_class, used)
					VALUES ($1, $2, $3, $4)
				`, consumer, rp, rc, used); err != nil {
					return 0, fmt.Errorf("failed to insert allocation: %w", err)
				}
			}
		}

		result, err := tx.Exec(ctx, `
			UPDATE consumers SET project_id = $2, user_id = $3,
			       generation = COALESCE(generation, 0) + 1
			WHERE uuid = $1
		`, consumer, payload.ProjectID, payload.UserID)
		if err != nil {
			return 0, fmt.Errorf("failed to update consumer: %w", err)
		}
		if result.RowsAffected() == 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO consumers (uuid, project_id, user_id, generation)
				VALUES ($1, $2, $3, 0)
			`, consumer, payload.ProjectID, payload.UserID); err != nil {
				return 0, fmt.Errorf("failed to insert consumer: %w", err)
			}
		}
	}

	for _, rp := range providers {
		if _, err := tx.Exec(ctx, `
			UPDATE resource_providers SET generation = generation + 1, updated_at = $2
			WHERE uuid = $1
		`, rp, now); err != nil {
			return 0, fmt.Errorf("failed to bump provider generation: %w", err)
		}
	}

	return len(providers), nil
}
