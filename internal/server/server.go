// Package server implements the HTTP surface of the Bifrost runtime.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/budget"
	"github.com/andersh/bifrost/internal/clarify"
	"github.com/andersh/bifrost/internal/executor"
	"github.com/andersh/bifrost/internal/storage"
	"github.com/andersh/bifrost/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Runtime executes connector operations end to end. *executor.Executor
// satisfies it.
type Runtime interface {
	Execute(ctx context.Context, req executor.Request) *executor.Response
	ExecutePaginated(ctx context.Context, req executor.Request, maxPages int) *executor.PagedResponse
	TestConnection(ctx context.Context, appID string, creds connector.Credentials) *executor.Response
}

// Clarifier produces follow-up questions for an automation prompt.
type Clarifier interface {
	Clarify(ctx context.Context, in clarify.Input) (*clarify.Result, error)
}

// Catalog lists connector definitions and drops cached reads.
// *registry.Service satisfies it.
type Catalog interface {
	List(ctx context.Context) ([]*connector.Definition, error)
	Invalidate(id string)
}

// AuditReader returns the tail of the execution audit trail.
type AuditReader interface {
	Read(limit int) ([]connector.AuditEntry, error)
}

// ResidencyReporter resolves an organization's residency assignment.
type ResidencyReporter interface {
	Report(ctx context.Context, orgID string) (*connector.ResidencyReport, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Runtime        Runtime
	Clarifier      Clarifier          // nil = clarify endpoint absent
	Catalog        Catalog            // nil = connector admin absent
	Budgets        *budget.Manager    // nil = budget admin absent
	Audit          AuditReader        // nil = audit admin absent
	Store          storage.Store      // nil = usage/org admin absent
	Residency      ResidencyReporter  // nil = residency reports absent
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	AdminToken     string             // "" = admin surface open
	InboundRPS     float64            // <= 0 = inbound limiter off
	InboundBurst   int
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{
		deps:    deps,
		inbound: newInboundLimiter(deps.InboundRPS, deps.InboundBurst),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no limiter)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Execution API -- one POST per operation invocation
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/v1/execute", s.handleExecute)
		r.Post("/v1/execute/paginated", s.handleExecutePaginated)
		r.Post("/v1/connections/{appId}/test", s.handleTestConnection)
		if deps.Clarifier != nil {
			r.Post("/v1/clarify", s.handleClarify)
		}
	})

	// Ops surface
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.adminAuth)
		if deps.Catalog != nil {
			r.Get("/connectors", s.handleListConnectors)
			r.Post("/connectors/{id}/invalidate", s.handleInvalidateConnector)
		}
		if deps.Budgets != nil {
			r.Get("/budget", s.handleGetBudget)
			r.Put("/budget", s.handleUpdateBudget)
			r.Get("/usage/analytics", s.handleUsageAnalytics)
		}
		if deps.Store != nil {
			r.Get("/usage", s.handleQueryUsage)
			r.Get("/organizations", s.handleListOrganizations)
		}
		if deps.Residency != nil {
			r.Get("/organizations/{id}/residency", s.handleOrgResidency)
		}
		if deps.Audit != nil {
			r.Get("/audit", s.handleReadAudit)
		}
	})

	return r
}

type server struct {
	deps    Deps
	inbound *inboundLimiter
}
