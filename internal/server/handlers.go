package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/budget"
	"github.com/andersh/bifrost/internal/clarify"
	"github.com/andersh/bifrost/internal/executor"
	"github.com/andersh/bifrost/internal/telemetry"
)

// Body limits. Execution payloads carry vendor parameters and can run large;
// the admin surface never needs more than a config patch.
const (
	maxExecuteBody = 4 << 20
	maxAdminBody   = 1 << 20
)

// apiError is the failure envelope of the caller interface.
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: msg}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// --- Health ---

// Pre-allocated response bodies and header value slice; okBody avoids a
// []byte("ok") heap escape per call.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// --- Execution API ---

// Execution outcomes are in-band: a decodable request always gets a 200 with
// the success flag, so callers branch on one field instead of two. HTTP
// statuses are reserved for the surface itself (bad body, limiter, auth).
func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if !decodeJSON(w, r, maxExecuteBody, &req) {
		return
	}
	if req.AppID == "" || req.FunctionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("appId and functionId are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.Execute(r.Context(), req))
}

// paginatedRequest is an execution request plus the page cap.
type paginatedRequest struct {
	executor.Request
	MaxPages int `json:"maxPages,omitempty"`
}

func (s *server) handleExecutePaginated(w http.ResponseWriter, r *http.Request) {
	var req paginatedRequest
	if !decodeJSON(w, r, maxExecuteBody, &req) {
		return
	}
	if req.AppID == "" || req.FunctionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("appId and functionId are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.ExecutePaginated(r.Context(), req.Request, req.MaxPages))
}

func (s *server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	var req struct {
		Credentials connector.Credentials `json:"credentials,omitempty"`
	}
	if !decodeJSON(w, r, maxExecuteBody, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.TestConnection(r.Context(), appID, req.Credentials))
}

func (s *server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var in clarify.Input
	if !decodeJSON(w, r, maxExecuteBody, &in) {
		return
	}
	if in.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("prompt is required"))
		return
	}
	result, err := s.deps.Clarifier.Clarify(r.Context(), in)
	if err != nil {
		writeClarifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeClarifyError maps a clarifier failure onto the surface. Quota denials
// carry the budget reason through; everything else is sanitized.
func writeClarifyError(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := connector.AsError(err); ok && ce.Kind == connector.KindQuota {
		writeJSON(w, http.StatusTooManyRequests, errorResponse(ce.Message))
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "clarify error",
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusBadGateway, errorResponse("clarification failed"))
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}

// --- Connector catalog ---

func (s *server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "list connectors",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list connectors"))
		return
	}
	if defs == nil {
		defs = []*connector.Definition{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       defs,
		Pagination: pagination{Offset: 0, Limit: len(defs), Total: len(defs)},
	})
}

func (s *server) handleInvalidateConnector(w http.ResponseWriter, r *http.Request) {
	s.deps.Catalog.Invalidate(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Budget ---

func (s *server) handleGetBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Budgets.Config())
}

func (s *server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var patch budget.ConfigPatch
	if !decodeJSON(w, r, maxAdminBody, &patch) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Budgets.UpdateConfig(patch))
}

func (s *server) handleUsageAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, _ := strconv.Atoi(q.Get("days"))
	if days <= 0 || days > budget.RetentionDays {
		days = 30
	}
	top, _ := strconv.Atoi(q.Get("top"))
	since := time.Now().AddDate(0, 0, -days)
	writeJSON(w, http.StatusOK, s.deps.Budgets.Analytics(since, top))
}

// --- Usage and organizations ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	filter := connector.UsageFilter{
		OrganizationID: q.Get("org_id"),
		UserID:         q.Get("user_id"),
		WorkflowID:     q.Get("workflow_id"),
		Provider:       q.Get("provider"),
		Since:          since,
		Until:          until,
		Offset:         offset,
		Limit:          limit,
	}
	records, err := s.deps.Store.QueryUsage(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query usage"))
		return
	}
	total, _ := s.deps.Store.CountUsage(r.Context(), filter)
	if records == nil {
		records = []connector.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	orgs, err := s.deps.Store.ListOrganizations(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list organizations"))
		return
	}
	if orgs == nil {
		orgs = []*connector.Organization{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       orgs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(orgs)},
	})
}

func (s *server) handleOrgResidency(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Residency.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "residency report",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to resolve residency"))
		return
	}
	if report == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Audit ---

func (s *server) handleReadAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := s.deps.Audit.Read(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to read audit log"))
		return
	}
	if entries == nil {
		entries = []connector.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// --- Observability middleware ---

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware records request duration, status, and active count.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			m.ActiveRequests.Dec()

			pattern := routePattern(r)
			statusStr := statusText[status]

			m.RequestsTotal.WithLabelValues(r.Method, pattern, statusStr).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed)
		})
	}
}

// tracingMiddleware opens one span per request. The span is named after the
// chi route pattern, which is only known once routing has run, so the name
// is set after next returns.
func tracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method)
			defer span.End()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r.WithContext(ctx))

			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			span.SetName(r.Method + " " + routePattern(r))
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.status_code", status),
			)
		})
	}
}

// routePattern returns the chi route pattern for bounded cardinality,
// falling back to the raw path for non-chi routes.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
