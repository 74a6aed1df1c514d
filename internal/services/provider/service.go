package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
)

// Service provides resource provider management operations.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new provider service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.Named("provider-service"),
	}
}

// CreateRequest contains the parameters for registering a provider.
type CreateRequest struct {
	UUID       string `json:"uuid,omitempty"`
	Name       string `json:"name"`
	ParentUUID string `json:"parent_provider_uuid,omitempty"`
}

// Create registers a new provider, as a root or under an existing parent.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*domain.ResourceProvider, error) {
	if req.Name == "" {
		return nil, domain.NewMissingValue("provider name is required")
	}
	id := req.UUID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, domain.NewBadValue("malformed provider uuid %q", id)
	}

	rp := &domain.ResourceProvider{
		UUID:       id,
		Name:       req.Name,
		ParentUUID: req.ParentUUID,
	}
	created, err := s.repo.CreateProvider(ctx, rp)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", req.Name, err)
	}

	s.logger.Info("Created resource provider",
		zap.String("uuid", created.UUID),
		zap.String("name", created.Name),
		zap.String("parent", created.ParentUUID),
	)
	return created, nil
}

// Get retrieves a provider by uuid.
func (s *Service) Get(ctx context.Context, id string) (*domain.ResourceProvider, error) {
	return s.repo.GetProvider(ctx, id)
}

// List returns all providers.
func (s *Service) List(ctx context.Context) ([]*domain.ResourceProvider, error) {
	return s.repo.ListProviders(ctx)
}

// UpdateRequest contains the mutable provider fields plus the generation
// the caller observed.
type UpdateRequest struct {
	Name       string `json:"name"`
	ParentUUID string `json:"parent_provider_uuid,omitempty"`
	Generation int64  `json:"generation"`
}

// Update renames or reparents a provider. A provider may only move within
// its current tree or become a new root; the repository enforces both and
// rewrites the subtree's denormalized roots transactionally.
func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*domain.ResourceProvider, error) {
	if req.Name == "" {
		return nil, domain.NewMissingValue("provider name is required")
	}
	rp := &domain.ResourceProvider{
		UUID:       id,
		Name:       req.Name,
		ParentUUID: req.ParentUUID,
	}
	updated, err := s.repo.UpdateProvider(ctx, rp, req.Generation)
	if err != nil {
		return nil, fmt.Errorf("failed to update provider %s: %w", id, err)
	}

	s.logger.Info("Updated resource provider",
		zap.String("uuid", id),
		zap.Int64("generation", updated.Generation),
	)
	return updated, nil
}

// Delete removes a provider. Providers holding allocations or children
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteProvider(ctx, id); err != nil {
		return fmt.Errorf("failed to delete provider %s: %w", id, err)
	}
	s.logger.Info("Deleted resource provider", zap.String("uuid", id))
	return nil
}

// GetInventories returns the provider's inventory set.
func (s *Service) GetInventories(ctx context.Context, id string) ([]domain.Inventory, error) {
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetInventories(ctx, id)
}

// ReplaceInventories swaps the provider's inventory set under generation
// CAS after validating each row.
func (s *Service) ReplaceInventories(ctx context.Context, id string, generation int64, invs []domain.Inventory) error {
	for i := range invs {
		inv := &invs[i]
		inv.ProviderUUID = id
		if inv.ResourceClass == "" {
			return domain.NewMissingValue("inventory resource class is required")
		}
		if inv.Total <= 0 {
			return domain.NewBadValue("inventory total for %s must be positive", inv.ResourceClass)
		}
		if inv.AllocationRatio == 0 {
			inv.AllocationRatio = 1.0
		}
		if inv.StepSize == 0 {
			inv.StepSize = 1
		}
		if inv.MaxUnit == 0 {
			inv.MaxUnit = inv.Total
		}
		if inv.MinUnit == 0 {
			inv.MinUnit = 1
		}
		if inv.Reserved >= int64(float64(inv.Total)*inv.AllocationRatio) {
			return domain.NewBadValue(
				"inventory for %s reserves at least its whole capacity", inv.ResourceClass)
		}
	}
	if err := s.repo.ReplaceInventories(ctx, id, generation, invs); err != nil {
		return fmt.Errorf("failed to replace inventories on %s: %w", id, err)
	}
	s.logger.Info("Replaced inventories",
		zap.String("uuid", id),
		zap.Int("classes", len(invs)),
	)
	return nil
}

// GetTraits returns the provider's trait set.
func (s *Service) GetTraits(ctx context.Context, id string) ([]string, error) {
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetTraits(ctx, id)
}

// ReplaceTraits swaps the provider's trait set under generation CAS.
func (s *Service) ReplaceTraits(ctx context.Context, id string, generation int64, traits []string) error {
	for _, t := range traits {
		if t == "" {
			return domain.NewBadValue("empty trait name")
		}
	}
	if err := s.repo.ReplaceTraits(ctx, id, generation, traits); err != nil {
		return fmt.Errorf("failed to replace traits on %s: %w", id, err)
	}
	return nil
}

// GetAggregates returns the provider's aggregate memberships.
func (s *Service) GetAggregates(ctx context.Context, id string) ([]string, error) {
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetAggregates(ctx, id)
}

// ReplaceAggregates swaps the provider's aggregate memberships under
// generation CAS.
func (s *Service) ReplaceAggregates(ctx context.Context, id string, generation int64, aggregates []string) error {
	for _, agg := range aggregates {
		if _, err := uuid.Parse(agg); err != nil {
			return domain.NewBadValue("malformed aggregate uuid %q", agg)
		}
	}
	if err := s.repo.ReplaceAggregates(ctx, id, generation, aggregates); err != nil {
		return fmt.Errorf("failed to replace aggregates on %s: %w", id, err)
	}
	return nil
}

// Usages returns the allocated sums per resource class for one provider.
func (s *Service) Usages(ctx context.Context, id string) (map[string]int64, error) {
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Usages(ctx, id)
}
