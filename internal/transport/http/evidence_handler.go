package http

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "accessguard/internal/errors"
	"accessguard/internal/evidence"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// EvidenceHandler serves the evidence logs.
type EvidenceHandler struct {
	book   *evidence.Book
	logger *slog.Logger
}

// NewEvidenceHandler creates a new evidence handler
func NewEvidenceHandler(book *evidence.Book, logger *slog.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		book:   book,
		logger: logger.With(slog.String("handler", "evidence")),
	}
}

// Routes returns the evidence routes. The export route is static and wins
// over the log name parameter.
func (h *EvidenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/export.xlsx", h.Export)
	r.Get("/{log}", h.List)
	r.Delete("/{log}", h.Clear)
	return r
}

// LogResponse is one log's content, oldest entry first.
type LogResponse struct {
	Log      string           `json:"log"`
	Capacity int              `json:"capacity"`
	Count    int              `json:"count"`
	Entries  []evidence.Entry `json:"entries"`
}

func (h *EvidenceHandler) resolve(w http.ResponseWriter, r *http.Request) (*evidence.Log, bool) {
	l, err := h.book.Log(chi.URLParam(r, "log"))
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %w", apperrors.ErrNotFound, err))
		return nil, false
	}
	return l, true
}

// List handles GET /api/evidence/{log}.
func (h *EvidenceHandler) List(w http.ResponseWriter, r *http.Request) {
	l, ok := h.resolve(w, r)
	if !ok {
		return
	}
	entries, err := l.ReadAll(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []evidence.Entry{}
	}
	render.JSON(w, r, LogResponse{
		Log:      l.Name(),
		Capacity: l.Capacity(),
		Count:    len(entries),
		Entries:  entries,
	})
}

// Clear handles DELETE /api/evidence/{log}.
func (h *EvidenceHandler) Clear(w http.ResponseWriter, r *http.Request) {
	l, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := l.Clear(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Evidence log cleared via API", slog.String("log", l.Name()))
	w.WriteHeader(http.StatusNoContent)
}

// Export handles GET /api/evidence/export.xlsx. The workbook is built in
// memory so a failure can still be answered with a problem document.
func (h *EvidenceHandler) Export(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := evidence.ExportXLSX(r.Context(), &buf, h.book); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	name := fmt.Sprintf("evidence-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
