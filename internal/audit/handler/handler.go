package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"careledger/internal/audit"
	"careledger/pkg/platform/sentinel"
	"careledger/pkg/requestcontext"
)

// Service defines the audit operations the HTTP layer exposes.
type Service interface {
	Query(ctx context.Context, f audit.Filters, page, limit int, actorID string, role audit.Role) (audit.Result, error)
	Export(ctx context.Context, f audit.Filters, actorID string, role audit.Role) ([]byte, error)
	SubjectStats(ctx context.Context, subjectID, actorID string, role audit.Role) (audit.SubjectStats, error)
	Verify(ctx context.Context, recordID uuid.UUID) (bool, audit.EventRecord, error)
}

// Handler serves the audit query, export, statistics, and verification
// endpoints. It trusts the actor identity and role resolved upstream.
type Handler struct {
	logger *slog.Logger
	audit  Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, audit: svc}
}

// Register mounts the audit routes on the given router. Authentication
// middleware must already have populated the request context.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit-logs", h.handleQuery)
	r.Get("/audit-logs/export", h.handleExport)
	r.Get("/audit-logs/{recordID}/verify", h.handleVerify)
	r.Get("/audit-logs/subjects/{subjectID}/stats", h.handleSubjectStats)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := requestcontext.ActorID(ctx)
	role := audit.Role(requestcontext.Role(ctx))

	filters, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid filters", err)
		return
	}
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 0)

	result, err := h.audit.Query(ctx, filters, page, limit, actorID, role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := requestcontext.ActorID(ctx)
	role := audit.Role(requestcontext.Role(ctx))

	filters, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid filters", err)
		return
	}

	payload, err := h.audit.Export(ctx, filters, actorID, role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-logs.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Verification exposes integrity state, an administrative concern.
	if audit.Role(requestcontext.Role(ctx)) != audit.RoleAdmin {
		h.writeError(w, r, http.StatusForbidden, "forbidden", nil)
		return
	}

	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid record id", err)
		return
	}

	ok, rec, err := h.audit.Verify(ctx, recordID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"recordId": rec.ID,
		"intact":   ok,
	})
}

func (h *Handler) handleSubjectStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := requestcontext.ActorID(ctx)
	role := audit.Role(requestcontext.Role(ctx))
	subjectID := chi.URLParam(r, "subjectID")

	stats, err := h.audit.SubjectStats(ctx, subjectID, actorID, role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// writeServiceError translates sentinel errors into transport responses. An
// authorization failure is surfaced as such, never downgraded to an empty
// result, and leaks no data, not even counts.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sentinel.ErrForbidden):
		h.writeError(w, r, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, sentinel.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, "not found", err)
	case errors.Is(err, sentinel.ErrAlreadyAnchored), errors.Is(err, sentinel.ErrImmutable):
		h.writeError(w, r, http.StatusConflict, "conflict", err)
	default:
		h.writeError(w, r, http.StatusInternalServerError, "internal", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	ctx := r.Context()
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "audit request failed",
			"request_id", requestcontext.RequestID(ctx),
			"path", r.URL.Path,
			"error", err,
		)
	} else if err != nil {
		h.logger.WarnContext(ctx, "audit request rejected",
			"request_id", requestcontext.RequestID(ctx),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	h.writeJSON(w, status, map[string]string{"error": code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	f := audit.Filters{
		SubjectID:    q.Get("subjectId"),
		ActorID:      q.Get("actorId"),
		ResourceID:   q.Get("resourceId"),
		Action:       audit.Action(q.Get("action")),
		ResourceType: audit.ResourceType(q.Get("resourceType")),
	}

	var err error
	if f.From, err = parseDate(q.Get("fromDate")); err != nil {
		return audit.Filters{}, err
	}
	if f.To, err = parseDate(q.Get("toDate")); err != nil {
		return audit.Filters{}, err
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
