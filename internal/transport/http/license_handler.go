package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"accessguard/internal/license"
)

// LicenseHandler serves the license endpoints.
type LicenseHandler struct {
	service LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license routes.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/refresh", h.Refresh)
	r.Get("/features/{tag}", h.Feature)
	return r
}

// LicenseView is a license as shown to clients: the key is masked.
type LicenseView struct {
	*license.License
	Key string `json:"key"`
}

func viewOf(lic *license.License) *LicenseView {
	if lic == nil {
		return nil
	}
	return &LicenseView{License: lic, Key: license.MaskKey(lic.Key)}
}

// StatusResponse is the display form of a validation.
type StatusResponse struct {
	Status        license.State `json:"status"`
	License       *LicenseView  `json:"license,omitempty"`
	DaysRemaining int           `json:"days_remaining"`
	DeviceID      string        `json:"device_id,omitempty"`
	HasAuthority  bool          `json:"has_authority"`
}

func (h *LicenseHandler) status(r *http.Request) StatusResponse {
	result := h.service.Status(r.Context())
	return StatusResponse{
		Status:        result.Status,
		License:       viewOf(result.License),
		DaysRemaining: result.DaysRemaining,
		DeviceID:      result.DeviceID,
		HasAuthority:  h.service.HasAuthority(),
	}
}

// Status handles GET /api/license/status. It always answers 200; the state
// is in the body.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.status(r))
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req license.ActivationRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	lic, err := h.service.Activate(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "License activated via API",
		slog.String("license_key", license.MaskKey(lic.Key)),
		slog.String("tier", string(lic.Tier)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, viewOf(lic))
}

// Deactivate handles POST /api/license/deactivate and answers with the
// resulting status.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateCurrentDevice(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, h.status(r))
}

// Refresh handles POST /api/license/refresh.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Refresh(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, viewOf(lic))
}

// FeatureResponse answers a feature query.
type FeatureResponse struct {
	Feature string `json:"feature"`
	Granted bool   `json:"granted"`
}

// Feature handles GET /api/license/features/{tag}.
func (h *LicenseHandler) Feature(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := validate.Var(tag, "required,max=64,printascii"); err != nil {
		writeError(w, r, h.logger, invalidParam("tag", err))
		return
	}
	render.JSON(w, r, FeatureResponse{
		Feature: tag,
		Granted: h.service.HasFeature(r.Context(), tag),
	})
}
