package policy

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP handlers for tenant policy administration
type Handler struct {
	store    *Store
	reloader *Reloader
}

// NewHandler creates a new policy handler
func NewHandler(store *Store, reloader *Reloader) *Handler {
	return &Handler{store: store, reloader: reloader}
}

// Routes registers the policy routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/reload", h.Reload)

	r.Route("/{tenantID}", func(r chi.Router) {
		r.Get("/", h.GetCurrent)
		r.Post("/", h.AppendVersion)
		r.Get("/versions", h.ListVersions)
		r.Get("/versions/{version}", h.GetVersion)
	})

	return r
}

// GetCurrent returns the tenant's effective policy version
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.store.Current(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListVersions returns every version, oldest first
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	versions := h.store.Versions(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  versions,
		"total": len(versions),
	})
}

// GetVersion returns one historical version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid version"))
		return
	}

	p, err := h.store.Version(tenantID, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AppendVersion appends a new policy version for the tenant
func (h *Handler) AppendVersion(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var p TenantPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, errors.BadRequest("invalid policy document"))
		return
	}
	p.TenantID = tenantID

	version, err := h.store.Append(r.Context(), &p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"tenant_id": tenantID,
		"version":   version,
	})
}

// Reload forces a policy file reload
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeError(w, errors.BadRequest("policy file reload not configured"))
		return
	}
	if err := h.reloader.ForceReload(r.Context()); err != nil {
		writeError(w, errors.Wrap(err, "reload failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func parseTenantID(r *http.Request) (types.ID, error) {
	id := chi.URLParam(r, "tenantID")
	if id == "" {
		return "", errors.BadRequest("missing tenant ID")
	}
	return types.ID(id), nil
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
