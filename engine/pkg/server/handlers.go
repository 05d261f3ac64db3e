package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/supplierpool/engine/pkg/allocation"
	"github.com/malbeclabs/supplierpool/engine/pkg/dberror"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/revshare"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
	"github.com/malbeclabs/supplierpool/utils/pkg/retry"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type AllocateResponse struct {
	Suppliers []supplier.Supplier `json:"suppliers"`
}

type ReleaseRequest struct {
	Addresses        []string `json:"addresses"`
	DelegatorAddress string   `json:"delegator_address"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type CompareRequest struct {
	A []supplier.ServiceConfig `json:"a"`
	B []supplier.ServiceConfig `json:"b"`
}

type HistoryResponse struct {
	KeyID   uuid.UUID                      `json:"key_id"`
	Entries []keys.RemediationHistoryEntry `json:"entries"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req supplier.StakeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	limitKey := req.DelegatorAddress
	if limitKey == "" {
		limitKey = "anonymous"
	}
	if ok, retryAfter := s.limiter.AllowWithRetry(limitKey); !ok {
		secs := retrySeconds(retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		s.writeJSON(w, http.StatusTooManyRequests, RateLimitError{
			Error:      "rate_limit_exceeded",
			Message:    "Too many allocation requests. Please slow down.",
			RetryAfter: secs,
		})
		return
	}

	suppliers, err := retry.DoValue(r.Context(), s.cfg.AllocateRetry, func() ([]supplier.Supplier, error) {
		return s.engine.AllocateSuppliers(r.Context(), req)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AllocateResponse{Suppliers: suppliers})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	released, err := s.engine.ReleaseSuppliers(r.Context(), req.Addresses, req.DelegatorAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReleaseResponse{Released: released})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	comparison, err := supplier.Compare(req.A, req.B)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, comparison)
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.MarkForRemediation(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemediationHistory(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []keys.RemediationHistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{KeyID: id, Entries: entries})
}

func keyID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid key id %q", errBadRequest, raw)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

// writeError maps domain errors to status codes. Allocation failures are
// reported as temporary so clients retry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		overflow *revshare.OverflowError
		allocErr *allocation.AllocationError
	)

	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, allocation.ErrInvalidRequest):
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.As(err, &overflow):
		s.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "revenue_share_overflow", Message: overflow.Error()})
	case errors.Is(err, allocation.ErrNoEligibleGroups):
		s.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "no_eligible_groups", Message: err.Error()})
	case errors.As(err, &allocErr):
		s.log.Warn("server: allocation failed", "path", r.URL.Path, "error", err, "retryable", allocErr.Retryable())
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "allocation_failed",
			Message: "Failed to allocate keys. Please try again.",
		})
	case errors.Is(err, keys.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, keys.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		s.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict", Message: err.Error()})
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: dberror.UserMessage(err)})
	}
}
