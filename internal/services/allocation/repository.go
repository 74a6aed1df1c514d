// Package allocation implements the allocation write path: atomic
// replacement of consumer allocation bundles with generation-based
// optimistic concurrency across consumers, providers and inventories.
package allocation

import (
	"context"

	"github.com/pavera/placement/internal/domain"
)

// Repository defines the data access the allocation service needs.
type Repository interface {
	// GetConsumer retrieves a consumer by uuid.
	GetConsumer(ctx context.Context, uuid string) (*domain.Consumer, error)

	// ListByConsumer returns a consumer's current allocation bundle.
	ListByConsumer(ctx context.Context, uuid string) ([]domain.Allocation, error)

	// ReplaceBundles atomically replaces the bundles of every consumer
	// named in payloads, in one transaction:
	//   - a supplied consumer_generation is CASed against the stored one
	//   - a supplied provider generation is CASed likewise
	//   - the net allocation delta per (provider, class) must fit the
	//     inventory's effective capacity
	//   - touched consumer and provider generations are bumped exactly once
	//   - a consumer whose new bundle is empty is removed
	// Any failed check aborts the whole transaction with
	// domain.ErrConflict (generations, capacity, a class with no inventory
	// on its provider) or domain.ErrNotFound (missing provider).
	ReplaceBundles(ctx context.Context, payloads map[string]*domain.AllocationPayload) error
}
