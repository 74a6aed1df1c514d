package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pavera/placement/internal/domain"
	"github.com/pavera/placement/internal/query"
	"github.com/pavera/placement/internal/repository/redis"
	providerservice "github.com/pavera/placement/internal/services/provider"
)

// apiError is one entry in the error envelope.
type apiError struct {
	Title  string `json:"title"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps a domain error to its HTTP status and envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if br, ok := domain.AsBadRequest(err); ok {
		s.writeJSON(w, http.StatusBadRequest, map[string][]apiError{
			"errors": {{Title: "Bad Request", Code: br.Code, Detail: br.Detail}},
		})
		return
	}

	status := http.StatusInternalServerError
	e := apiError{Title: "Internal Server Error", Code: domain.CodeUndefined, Detail: err.Error()}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		e.Title = "Not Found"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		e = apiError{Title: "Conflict", Code: domain.CodeConcurrentUpdate, Detail: err.Error()}
	case errors.Is(err, domain.ErrInventoryInUse):
		status = http.StatusConflict
		e = apiError{Title: "Conflict", Code: domain.CodeInventoryInUse, Detail: err.Error()}
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrProviderInUse),
		errors.Is(err, domain.ErrProviderHasChildren):
		status = http.StatusConflict
		e.Title = "Conflict"
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
		e.Title = "Timeout"
	default:
		s.logger.Error("Request failed", zap.Error(err))
	}

	s.writeJSON(w, status, map[string][]apiError{"errors": {e}})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, domain.NewBadValue("failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		s.writeError(w, domain.NewBadValue("malformed JSON body: %s", err.Error()))
		return false
	}
	return true
}

// =============================================================================
// Allocation candidates
// =============================================================================

// handleAllocationCandidates serves GET /allocation_candidates.
func (s *Server) handleAllocationCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
		return
	}

	req, err := query.ParseCandidateRequest(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	candidates, err := s.solver.Candidates(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, candidates)
}

// =============================================================================
// Allocations
// =============================================================================

// handleAllocationsBatch serves POST /allocations: an atomic multi-consumer
// bundle swap.
func (s *Server) handleAllocationsBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
		return
	}

	var payloads map[string]*domain.AllocationPayload
	if !s.decodeBody(w, r, &payloads) {
		return
	}
	if err := s.allocationService.ReplaceMany(r.Context(), payloads); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateAllocationCaches(r, payloads)
	w.WriteHeader(http.StatusNoContent)
}

// handleConsumerAllocations serves GET/PUT/DELETE /allocations/{consumer}.
func (s *Server) handleConsumerAllocations(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimPrefix(r.URL.Path, "/allocations/")
	if consumer == "" || strings.Contains(consumer, "/") {
		s.writeError(w, domain.NewBadValue("expected /allocations/{consumer_uuid}"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		result, err := s.allocationService.Get(r.Context(), consumer)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)

	case http.MethodPut:
		var payload domain.AllocationPayload
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if err := s.allocationService.Replace(r.Context(), consumer, &payload); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateAllocationCaches(r, map[string]*domain.AllocationPayload{consumer: &payload})
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		existing, err := s.allocationService.Get(r.Context(), consumer)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.allocationService.Delete(r.Context(), consumer); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateAllocationCaches(r, map[string]*domain.AllocationPayload{
			consumer: {Allocations: existing.Allocations},
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

// invalidateAllocationCaches drops the cached provider record and usage of
// every provider named in the given bundles.
func (s *Server) invalidateAllocationCaches(r *http.Request, payloads map[string]*domain.AllocationPayload) {
	if s.cache == nil {
		return
	}
	touched := map[string]struct{}{}
	for _, payload := range payloads {
		for rp := range payload.Allocations {
			touched[rp] = struct{}{}
		}
	}
	uuids := make([]string, 0, len(touched))
	for rp := range touched {
		uuids = append(uuids, rp)
		s.invalidateProviderCache(r, rp)
	}
	s.cache.InvalidateUsages(r.Context(), uuids)
}

// =============================================================================
// Resource providers
// =============================================================================

// handleProviders serves GET (list) and POST (create) /resource_providers.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		providers, err := s.providerService.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"resource_providers": providers})

	case http.MethodPost:
		var req providerservice.CreateRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		created, err := s.providerService.Create(r.Context(), &req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

// handleProviderByID routes /resource_providers/{uuid}[/{subresource}].
func (s *Server) handleProviderByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/resource_providers/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, domain.NewBadValue("expected /resource_providers/{uuid}"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		s.handleProvider(w, r, id)
		return
	}

	switch parts[1] {
	case "inventories":
		s.handleProviderInventories(w, r, id)
	case "traits":
		s.handleProviderTraits(w, r, id)
	case "aggregates":
		s.handleProviderAggregates(w, r, id)
	case "usages":
		s.handleProviderUsages(w, r, id)
	default:
		s.writeError(w, domain.NewBadValue("unknown subresource %q", parts[1]))
	}
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if s.cache != nil {
			if rp, err := s.cache.GetProvider(r.Context(), id); err == nil {
				s.writeJSON(w, http.StatusOK, rp)
				return
			} else if !errors.Is(err, redis.ErrCacheMiss) {
				s.logger.Warn("Provider cache read failed", zap.Error(err))
			}
		}
		rp, err := s.providerService.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if s.cache != nil {
			if err := s.cache.SetProvider(r.Context(), rp); err != nil {
				s.logger.Warn("Provider cache write failed", zap.Error(err))
			}
		}
		s.writeJSON(w, http.StatusOK, rp)

	case http.MethodPut:
		var req providerservice.UpdateRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		updated, err := s.providerService.Update(r.Context(), id, &req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateProviderCache(r, id)
		s.writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.providerService.Delete(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateProviderCache(r, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

// inventoriesPayload is the PUT body for a provider's inventory set.
type inventoriesPayload struct {
	Generation  int64                       `json:"resource_provider_generation"`
	Inventories map[string]domain.Inventory `json:"inventories"`
}

func (s *Server) handleProviderInventories(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		invs, err := s.providerService.GetInventories(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		rp, err := s.providerService.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		byRC := map[string]domain.Inventory{}
		for _, inv := range invs {
			byRC[inv.ResourceClass] = inv
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"resource_provider_generation": rp.Generation,
			"inventories":                  byRC,
		})

	case http.MethodPut:
		var payload inventoriesPayload
		if !s.decodeBody(w, r, &payload) {
			return
		}
		invs := make([]domain.Inventory, 0, len(payload.Inventories))
		for rc, inv := range payload.Inventories {
			inv.ResourceClass = rc
			invs = append(invs, inv)
		}
		if err := s.providerService.ReplaceInventories(r.Context(), id, payload.Generation, invs); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateProviderCache(r, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

// traitsPayload is the PUT body for a provider's trait set.
type traitsPayload struct {
	Generation int64    `json:"resource_provider_generation"`
	Traits     []string `json:"traits"`
}

func (s *Server) handleProviderTraits(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		traits, err := s.providerService.GetTraits(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"traits": traits})

	case http.MethodPut:
		var payload traitsPayload
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if err := s.providerService.ReplaceTraits(r.Context(), id, payload.Generation, payload.Traits); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateProviderCache(r, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

// aggregatesPayload is the PUT body for a provider's aggregate set.
type aggregatesPayload struct {
	Generation int64    `json:"resource_provider_generation"`
	Aggregates []string `json:"aggregates"`
}

func (s *Server) handleProviderAggregates(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		aggs, err := s.providerService.GetAggregates(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"aggregates": aggs})

	case http.MethodPut:
		var payload aggregatesPayload
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if err := s.providerService.ReplaceAggregates(r.Context(), id, payload.Generation, payload.Aggregates); err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateProviderCache(r, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
	}
}

func (s *Server) handleProviderUsages(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, domain.NewBadValue("method %s not allowed", r.Method))
		return
	}

	if s.cache != nil {
		if usages, err := s.cache.GetUsages(r.Context(), id); err == nil {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{"usages": usages})
			return
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("Usage cache read failed", zap.Error(err))
		}
	}

	usages, err := s.providerService.Usages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.SetUsages(r.Context(), id, usages); err != nil {
			s.logger.Warn("Usage cache write failed", zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"usages": usages})
}

func (s *Server) invalidateProviderCache(r *http.Request, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateProvider(r.Context(), id); err != nil {
		s.logger.Warn("Provider cache invalidation failed", zap.Error(err))
	}
}
