// Package api is the hot-path HTTP surface: submitting digests for
// timestamping and resolving deferred-completion handles.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/credlink/stampd/internal/controller"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/results"
	"github.com/credlink/stampd/internal/shared/auth"
	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/status"
	"github.com/credlink/stampd/internal/tsa"
)

// Handler provides HTTP handlers for timestamp requests
type Handler struct {
	controller *controller.Controller
	results    results.Store
	backlog    queue.Queue
	slo        *status.SLOTracker
}

// NewHandler creates a new timestamp API handler
func NewHandler(ctrl *controller.Controller, resultStore results.Store, backlog queue.Queue, slo *status.SLOTracker) *Handler {
	return &Handler{controller: ctrl, results: resultStore, backlog: backlog, slo: slo}
}

// Routes registers the timestamp routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{requestID}", h.Get)
	return r
}

type createRequest struct {
	// Digest is base64 in JSON, matching the hash algorithm's size.
	Digest        []byte `json:"digest"`
	HashAlgorithm string `json:"hash_algorithm"`
}

type tokenResponse struct {
	RequestID     string            `json:"request_id"`
	ProviderID    string            `json:"provider_id"`
	PolicyVersion int               `json:"policy_version"`
	SerialNumber  string            `json:"serial_number"`
	PolicyOID     string            `json:"policy_oid"`
	GenTime       time.Time         `json:"gen_time"`
	Accuracy      string            `json:"accuracy"`
	Token         []byte            `json:"token"`
	Transcript    []tsa.CheckResult `json:"transcript,omitempty"`
}

type deferredResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Create requests a timestamp for the caller's digest. Returns 200 with a
// validated token, or 202 with a deferred handle when every eligible
// provider is unavailable and the request was queued.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantID(r.Context())
	if tenantID.IsZero() {
		writeError(w, errors.Unauthorized("missing tenant"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if len(req.Digest) == 0 {
		writeError(w, errors.BadRequest("digest is required"))
		return
	}
	if req.HashAlgorithm == "" {
		req.HashAlgorithm = "sha-256"
	}

	outcome, err := h.controller.Timestamp(r.Context(), tenantID, req.Digest, req.HashAlgorithm)
	if err != nil {
		h.slo.Observe(false)
		writeError(w, mapFault(err))
		return
	}
	h.slo.Observe(true)

	if outcome.Queued {
		writeJSON(w, http.StatusAccepted, deferredResponse{
			RequestID: outcome.RequestID.String(),
			Status:    "queued",
		})
		return
	}

	writeJSON(w, http.StatusOK, tokenFromOutcome(outcome))
}

// Get resolves a request ID: 200 with the token once completed, 202 while
// still queued, 410 when dead-lettered, 404 otherwise.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	requestID, err := types.ParseID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid request ID"))
		return
	}

	tenantID := auth.TenantID(r.Context())

	res, err := h.results.Get(r.Context(), requestID)
	if err == nil {
		if !tenantID.IsZero() && res.TenantID != tenantID {
			writeError(w, errors.NotFound("timestamp result", requestID.String()))
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{
			RequestID:     res.RequestID.String(),
			ProviderID:    res.ProviderID,
			PolicyVersion: res.PolicyVersion,
			SerialNumber:  res.SerialNumber,
			PolicyOID:     res.PolicyOID,
			GenTime:       res.GenTime,
			Token:         res.Token,
		})
		return
	}

	pending, qerr := h.backlog.Pending(r.Context(), requestID)
	if qerr == nil && pending {
		writeJSON(w, http.StatusAccepted, deferredResponse{
			RequestID: requestID.String(),
			Status:    "queued",
		})
		return
	}

	reason, dead, qerr := h.backlog.DeadLettered(r.Context(), requestID)
	if qerr == nil && dead {
		writeError(w, errors.Gone("request dead-lettered: "+reason))
		return
	}

	writeError(w, err)
}

func tokenFromOutcome(o *controller.Outcome) tokenResponse {
	tok := o.Token
	return tokenResponse{
		RequestID:     o.RequestID.String(),
		ProviderID:    o.ProviderID,
		PolicyVersion: o.PolicyVersion,
		SerialNumber:  tok.SerialNumber.String(),
		PolicyOID:     tok.PolicyOID.String(),
		GenTime:       tok.GenTime,
		Accuracy:      tok.Accuracy.String(),
		Token:         tok.RawToken,
		Transcript:    o.Transcript,
	}
}

// mapFault translates domain faults to transport errors: policy failures
// are 422, replays 409, backpressure 429.
func mapFault(err error) error {
	if _, ok := err.(*errors.AppError); ok {
		return err
	}
	f, ok := tsa.AsFault(err)
	if !ok {
		return err
	}
	switch f.Kind {
	case tsa.FaultPolicy:
		details := map[string]string{"check": f.Check, "provider": f.ProviderID}
		return errors.UnprocessableEntity(f.Error(), details)
	case tsa.FaultReplay:
		return errors.Conflict(f.Error())
	case tsa.FaultQueueOverflow:
		return errors.Backpressure("tenant backlog at capacity, retry later")
	case tsa.FaultProtocol:
		return errors.Wrap(f, "provider protocol violation")
	default:
		return errors.Wrap(f, "provider unavailable")
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
