// Package httpapi serves the diagnostic admin API: scheduler status,
// manual runs, audit reports, permission checks and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recurd/internal/metrics"
	"recurd/internal/permission"
	"recurd/internal/queue"
	"recurd/internal/scheduler"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Backend is what the admin API reads from and acts on.
type Backend interface {
	Status() scheduler.Status
	TriggerManualRun(ctx context.Context) error
	AuditSummary(ctx context.Context, days int) ([]storage.AuditSummaryRow, error)
	RecentErrors(ctx context.Context, limit int) ([]storage.AuditEntry, error)
	TemplatesWithPermissionIssues(ctx context.Context) ([]permission.TemplateIssue, error)
	ValidateTemplate(ctx context.Context, templateID string) permission.Result
}

const (
	defaultSummaryDays = 7
	maxSummaryDays     = 365
	defaultErrorLimit  = 10
	maxErrorLimit      = 500
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except /healthz.
	Token string
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

type handlers struct {
	b   Backend
	log logx.Logger
}

// NewRouter builds the admin routes.
func NewRouter(b Backend, opts RouterOptions, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{b: b, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(opts.Token))

		r.Get("/status", h.status)
		r.Post("/trigger", h.trigger)
		r.Route("/audit", func(r chi.Router) {
			r.Get("/summary", h.auditSummary)
			r.Get("/errors", h.auditErrors)
		})
		r.Route("/templates", func(r chi.Router) {
			r.Get("/permission-issues", h.permissionIssues)
			r.Get("/{id}/validate", h.validateTemplate)
		})
		r.Handle("/metrics", promhttp.Handler())
		if opts.Pprof {
			r.Mount("/debug", chimiddleware.Profiler())
		}
	})
	return r
}

// observe records request metrics labelled with the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

// bearer rejects requests without the configured token. An empty token
// disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Status())
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	err := h.b.TriggerManualRun(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
	case errors.Is(err, scheduler.ErrManualRunUnsupported):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, queue.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Warn("manual run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) auditSummary(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultSummaryDays, maxSummaryDays)
	rows, err := h.b.AuditSummary(r.Context(), days)
	if err != nil {
		h.log.Warn("audit summary failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "audit summary failed")
		return
	}
	if rows == nil {
		rows = []storage.AuditSummaryRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "operations": rows})
}

type auditError struct {
	ID              string          `json:"id"`
	OperationType   string          `json:"operation_type"`
	TemplateID      string          `json:"template_id,omitempty"`
	ScheduleID      string          `json:"schedule_id,omitempty"`
	TemplateName    string          `json:"template_name,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedCount    int             `json:"tasks_created_count"`
	FailedCount     int             `json:"tasks_failed_count"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (h *handlers) auditErrors(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultErrorLimit, maxErrorLimit)
	entries, err := h.b.RecentErrors(r.Context(), limit)
	if err != nil {
		h.log.Warn("recent errors query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "recent errors query failed")
		return
	}
	out := make([]auditError, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditError{
			ID:              e.ID,
			OperationType:   e.OperationType,
			TemplateID:      e.TemplateID,
			ScheduleID:      e.ScheduleID,
			TemplateName:    e.TemplateName,
			ErrorMessage:    e.ErrorMessage,
			Details:         e.Details,
			CreatedCount:    e.CreatedCount,
			FailedCount:     e.FailedCount,
			ExecutionTimeMS: e.ExecutionTimeMS,
			CreatedBy:       e.CreatedBy,
			CreatedAt:       e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"limit": limit, "errors": out})
}

func (h *handlers) permissionIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.b.TemplatesWithPermissionIssues(r.Context())
	if err != nil {
		h.log.Warn("permission scan failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "permission scan failed")
		return
	}
	if issues == nil {
		issues = []permission.TemplateIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(issues), "issues": issues})
}

func (h *handlers) validateTemplate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "template id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.b.ValidateTemplate(r.Context(), id))
}

// queryInt parses a positive integer parameter, falling back to def and
// capping at max.
func queryInt(r *http.Request, key string, def, max int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
