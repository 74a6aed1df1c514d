package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
)

// Service provides allocation read and write operations.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new allocation service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.Named("allocation-service"),
	}
}

// ConsumerAllocations is one consumer's bundle as returned to clients.
type ConsumerAllocations struct {
	Allocations        map[string]domain.ProviderAllocation `json:"allocations"`
	ConsumerGeneration *int64                               `json:"consumer_generation,omitempty"`
	ProjectID          string                               `json:"project_id,omitempty"`
	UserID             string                               `json:"user_id,omitempty"`
}

// Get returns the consumer's current bundle. An unknown consumer yields an
// empty bundle, matching the write path's implicit consumer lifecycle.
func (s *Service) Get(ctx context.Context, consumer string) (*ConsumerAllocations, error) {
	result := &ConsumerAllocations{
		Allocations: map[string]domain.ProviderAllocation{},
	}

	c, err := s.repo.GetConsumer(ctx, consumer)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumer, err)
	}
	result.ConsumerGeneration = c.Generation
	result.ProjectID = c.ProjectID
	result.UserID = c.UserID

	allocs, err := s.repo.ListByConsumer(ctx, consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations for %s: %w", consumer, err)
	}
	for _, alloc := range allocs {
		pa, ok := result.Allocations[alloc.ProviderUUID]
		if !ok {
			pa = domain.ProviderAllocation{Resources: map[string]int64{}}
		}
		pa.Resources[alloc.ResourceClass] = alloc.Used
		result.Allocations[alloc.ProviderUUID] = pa
	}
	return result, nil
}

// Replace swaps one consumer's bundle (PUT /allocations/{consumer}).
func (s *Service) Replace(ctx context.Context, consumer string, payload *domain.AllocationPayload) error {
	if err := validatePayload(consumer, payload); err != nil {
		return err
	}
	if err := s.repo.ReplaceBundles(ctx, map[string]*domain.AllocationPayload{consumer: payload}); err != nil {
		return fmt.Errorf("failed to replace allocations for %s: %w", consumer, err)
	}
	s.logger.Info("Replaced allocation bundle",
		zap.String("consumer", consumer),
		zap.Int("providers", len(payload.Allocations)),
	)
	return nil
}

// ReplaceMany swaps the bundles of several consumers in one transaction
// (POST /allocations). The common use is an atomic move: one consumer's
// bundle emptied while another's is written.
func (s *Service) ReplaceMany(ctx context.Context, payloads map[string]*domain.AllocationPayload) error {
	if len(payloads) == 0 {
		return domain.NewMissingValue("at least one consumer payload is required")
	}
	for consumer, payload := range payloads {
		if err := validatePayload(consumer, payload); err != nil {
			return err
		}
	}
	if err := s.repo.ReplaceBundles(ctx, payloads); err != nil {
		return fmt.Errorf("failed to replace allocations: %w", err)
	}
	s.logger.Info("Replaced allocation bundles", zap.Int("consumers", len(payloads)))
	return nil
}

// Delete empties a consumer's bundle and removes the consumer record
// (DELETE /allocations/{consumer}).
func (s *Service) Delete(ctx context.Context, consumer string) error {
	allocs, err := s.repo.ListByConsumer(ctx, consumer)
	if err != nil {
		return fmt.Errorf("failed to list allocations for %s: %w", consumer, err)
	}
	if len(allocs) == 0 {
		return domain.ErrNotFound
	}
	payload := &domain.AllocationPayload{Allocations: map[string]domain.ProviderAllocation{}}
	if err := s.repo.ReplaceBundles(ctx, map[string]*domain.AllocationPayload{consumer: payload}); err != nil {
		return fmt.Errorf("failed to delete allocations for %s: %w", consumer, err)
	}
	s.logger.Info("Deleted allocation bundle", zap.String("consumer", consumer))
	return nil
}

func validatePayload(consumer string, payload *domain.AllocationPayload) error {
	if _, err := uuid.Parse(consumer); err != nil {
		return domain.NewBadValue("malformed consumer uuid %q", consumer)
	}
	if payload == nil || payload.Allocations == nil {
		return domain.NewMissingValue("allocations object is required")
	}
	if len(payload.Allocations) > 0 {
		if payload.ProjectID == "" || payload.UserID == "" {
			return domain.NewMissingValue("project_id and user_id are required")
		}
	}
	for rp, pa := range payload.Allocations {
		if _, err := uuid.Parse(rp); err != nil {
			return domain.NewBadValue("malformed resource provider uuid %q", rp)
		}
		if len(pa.Resources) == 0 {
			return domain.NewMissingValue("allocation against %s names no resources", rp)
		}
		for rc, used := range pa.Resources {
			if rc == "" {
				return domain.NewMissingValue("empty resource class in allocation against %s", rp)
			}
			if used <= 0 {
				return domain.NewBadValue("allocation of %s against %s must be positive, got %d", rc, rp, used)
			}
		}
	}
	return nil
}
