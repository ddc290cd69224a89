package http

import (
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"accessguard/internal/license"
	"accessguard/internal/middleware"
	"accessguard/internal/ratelimit"
)

// ActionHandler runs the action gate.
type ActionHandler struct {
	limiter          *ratelimit.Limiter
	features         middleware.FeatureChecker
	failOnAutomation bool
	logger           *slog.Logger
}

// NewActionHandler creates a new action handler. Actions named after a
// license feature also need features to grant it; a nil features skips
// that check.
func NewActionHandler(limiter *ratelimit.Limiter, features middleware.FeatureChecker, failOnAutomation bool, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{
		limiter:          limiter,
		features:         features,
		failOnAutomation: failOnAutomation,
		logger:           logger.With(slog.String("handler", "actions")),
	}
}

// ActionResponse reports an admitted action.
type ActionResponse struct {
	Action    string `json:"action"`
	Allowed   bool   `json:"allowed"`
	Automated bool   `json:"automated"`
}

// Gate handles POST /api/actions/{action}. The limiter sees every
// request first: a refused action answers 429 with Retry-After. Suspected
// automation is reported in the body, or refused when the gate is
// configured to fail on it. Only an admitted licensed action reaches the
// feature check, which answers 428 when the license lacks it.
func (h *ActionHandler) Gate(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if err := validate.Var(action, "required,max=64,printascii"); err != nil {
		writeError(w, r, h.logger, invalidParam("action", err))
		return
	}

	d := h.limiter.Evaluate(r.Context(), action)
	if !d.Allowed {
		middleware.SetRetryAfter(w, d.RetryAfter)
		writeError(w, r, h.logger, d.Err())
		return
	}
	if d.Automated && h.failOnAutomation {
		middleware.SetRetryAfter(w, h.limiter.Config().BurstWindow)
		writeError(w, r, h.logger, d.Err())
		return
	}
	admitted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, ActionResponse{Action: d.Action, Allowed: true, Automated: d.Automated})
	})
	if h.features == nil {
		admitted.ServeHTTP(w, r)
		return
	}
	middleware.RequireFeature(h.features, licensedAction, h.logger)(admitted).ServeHTTP(w, r)
}

// licensedAction names the feature an action needs, if it is one.
func licensedAction(r *http.Request) string {
	action := chi.URLParam(r, "action")
	if license.IsFeature(action) {
		return action
	}
	return ""
}

// SnapshotResponse is the limiter state with block time in seconds.
type SnapshotResponse struct {
	ratelimit.Snapshot
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// Snapshot handles GET /api/ratelimit.
func (h *ActionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.limiter.Snapshot()
	resp := SnapshotResponse{Snapshot: snap}
	if snap.RetryAfter > 0 {
		resp.RetryAfterSeconds = int(math.Ceil(snap.RetryAfter.Seconds()))
	}
	render.JSON(w, r, resp)
}
