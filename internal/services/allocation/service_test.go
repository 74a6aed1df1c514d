package allocation

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
)

const (
	testConsumer = "dd000000-0000-0000-0000-000000000001"
	testProvider = "aa000000-0000-0000-0000-000000000001"
)

// MockRepository is a mock implementation of Repository.
type MockRepository struct {
	consumers map[string]*domain.Consumer
	bundles   map[string][]domain.Allocation
	replaced  map[string]*domain.AllocationPayload
	err       error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		consumers: make(map[string]*domain.Consumer),
		bundles:   make(map[string][]domain.Allocation),
	}
}

func (m *MockRepository) GetConsumer(ctx context.Context, uuid string) (*domain.Consumer, error) {
	c, ok := m.consumers[uuid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (m *MockRepository) ListByConsumer(ctx context.Context, uuid string) ([]domain.Allocation, error) {
	return m.bundles[uuid], nil
}

func (m *MockRepository) ReplaceBundles(ctx context.Context, payloads map[string]*domain.AllocationPayload) error {
	if m.err != nil {
		return m.err
	}
	m.replaced = payloads
	return nil
}

func newTestService(repo Repository) *Service {
	logger, _ := zap.NewDevelopment()
	return NewService(repo, logger)
}

func TestReplace_ValidPayload(t *testing.T) {
	repo := NewMockRepository()
	svc := newTestService(repo)

	payload := &domain.AllocationPayload{
		ProjectID: "proj",
		UserID:    "user",
		Allocations: map[string]domain.ProviderAllocation{
			testProvider: {Resources: map[string]int64{"VCPU": 2}},
		},
	}
	if err := svc.Replace(context.Background(), testConsumer, payload); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if _, ok := repo.replaced[testConsumer]; !ok {
		t.Error("Expected payload to reach the repository")
	}
}

func TestReplace_ValidationErrors(t *testing.T) {
	svc := newTestService(NewMockRepository())
	ctx := context.Background()

	tests := []struct {
		name     string
		consumer string
		payload  *domain.AllocationPayload
	}{
		{"malformed consumer uuid", "not-a-uuid", &domain.AllocationPayload{
			Allocations: map[string]domain.ProviderAllocation{},
		}},
		{"missing allocations", testConsumer, &domain.AllocationPayload{}},
		{"missing project and user", testConsumer, &domain.AllocationPayload{
			Allocations: map[string]domain.ProviderAllocation{
				testProvider: {Resources: map[string]int64{"VCPU": 1}},
			},
		}},
		{"malformed provider uuid", testConsumer, &domain.AllocationPayload{
			ProjectID: "proj", UserID: "user",
			Allocations: map[string]domain.ProviderAllocation{
				"bogus": {Resources: map[string]int64{"VCPU": 1}},
			},
		}},
		{"empty resources", testConsumer, &domain.AllocationPayload{
			ProjectID: "proj", UserID: "user",
			Allocations: map[string]domain.ProviderAllocation{
				testProvider: {Resources: map[string]int64{}},
			},
		}},
		{"non-positive used", testConsumer, &domain.AllocationPayload{
			ProjectID: "proj", UserID: "user",
			Allocations: map[string]domain.ProviderAllocation{
				testProvider: {Resources: map[string]int64{"VCPU": 0}},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Replace(ctx, tt.consumer, tt.payload)
			if _, ok := domain.AsBadRequest(err); !ok {
				t.Errorf("Expected BadRequestError, got %v", err)
			}
		})
	}
}

func TestReplace_ConflictPassedThrough(t *testing.T) {
	repo := NewMockRepository()
	repo.err = domain.ErrConflict
	svc := newTestService(repo)

	payload := &domain.AllocationPayload{
		ProjectID: "proj", UserID: "user",
		Allocations: map[string]domain.ProviderAllocation{
			testProvider: {Resources: map[string]int64{"VCPU": 1}},
		},
	}
	err := svc.Replace(context.Background(), testConsumer, payload)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Expected wrapped ErrConflict, got %v", err)
	}
}

func TestReplaceMany_RequiresPayloads(t *testing.T) {
	svc := newTestService(NewMockRepository())

	err := svc.ReplaceMany(context.Background(), nil)
	if _, ok := domain.AsBadRequest(err); !ok {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
}

func TestDelete_UnknownConsumer(t *testing.T) {
	svc := newTestService(NewMockRepository())

	err := svc.Delete(context.Background(), testConsumer)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestDelete_EmptiesBundle(t *testing.T) {
	repo := NewMockRepository()
	repo.bundles[testConsumer] = []domain.Allocation{
		{ConsumerUUID: testConsumer, ProviderUUID: testProvider, ResourceClass: "VCPU", Used: 2},
	}
	svc := newTestService(repo)

	if err := svc.Delete(context.Background(), testConsumer); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	payload, ok := repo.replaced[testConsumer]
	if !ok || len(payload.Allocations) != 0 {
		t.Errorf("Expected an empty replacement bundle, got %+v", payload)
	}
}

func TestGet_UnknownConsumerYieldsEmptyBundle(t *testing.T) {
	svc := newTestService(NewMockRepository())

	result, err := svc.Get(context.Background(), testConsumer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(result.Allocations) != 0 || result.ConsumerGeneration != nil {
		t.Errorf("Expected empty bundle, got %+v", result)
	}
}

func TestGet_ReturnsBundleAndGeneration(t *testing.T) {
	repo := NewMockRepository()
	gen := int64(4)
	repo.consumers[testConsumer] = &domain.Consumer{
		UUID: testConsumer, ProjectID: "proj", UserID: "user", Generation: &gen,
	}
	repo.bundles[testConsumer] = []domain.Allocation{
		{ConsumerUUID: testConsumer, ProviderUUID: testProvider, ResourceClass: "VCPU", Used: 2},
		{ConsumerUUID: testConsumer, ProviderUUID: testProvider, ResourceClass: "MEMORY_MB", Used: 512},
	}
	svc := newTestService(repo)

	result, err := svc.Get(context.Background(), testConsumer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.ConsumerGeneration == nil || *result.ConsumerGeneration != 4 {
		t.Errorf("Expected generation 4, got %v", result.ConsumerGeneration)
	}
	pa := result.Allocations[testProvider]
	if pa.Resources["VCPU"] != 2 || pa.Resources["MEMORY_MB"] != 512 {
		t.Errorf("Unexpected bundle: %+v", pa.Resources)
	}
}
