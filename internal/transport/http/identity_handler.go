package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"accessguard/internal/security"
)

// IdentityHandler serves the device identity endpoints.
type IdentityHandler struct {
	identity IdentityService
	logger   *slog.Logger
}

// NewIdentityHandler creates a new identity handler
func NewIdentityHandler(identity IdentityService, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{
		identity: identity,
		logger:   logger.With(slog.String("handler", "identity")),
	}
}

// Routes returns the identity routes.
func (h *IdentityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/verify", h.Verify)
	return r
}

// IdentityResponse describes the persisted device identity.
type IdentityResponse struct {
	DeviceID   string              `json:"device_id"`
	Components security.Components `json:"components,omitempty"`
	Timestamp  *time.Time          `json:"timestamp,omitempty"`
	Threshold  float64             `json:"threshold"`
}

// Get handles GET /api/identity, registering the device on first use.
func (h *IdentityHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.identity.GetOrCreateID(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := IdentityResponse{DeviceID: id, Threshold: h.identity.Threshold()}

	rec, err := h.identity.Stored(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if rec != nil {
		resp.Components = rec.Components
		ts := rec.Timestamp
		resp.Timestamp = &ts
	}
	render.JSON(w, r, resp)
}

// Verify handles POST /api/identity/verify.
func (h *IdentityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.identity.Verify(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, result)
}
