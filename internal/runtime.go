package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Backoff events ---

// BackoffType classifies why an execution waited.
type BackoffType string

const (
	BackoffRateLimiter  BackoffType = "rate_limiter"
	BackoffHTTPRetry    BackoffType = "http_retry"
	BackoffNetworkRetry BackoffType = "network_retry"
)

// BackoffEvent records one occurrence of waiting during an execution:
// a limiter denial, an HTTP retry, or a network retry. Events are emitted by
// the transport and aggregated into the audit record.
type BackoffEvent struct {
	Type            BackoffType `json:"type"`
	WaitMs          int64       `json:"waitMs"`
	Attempt         int         `json:"attempt"`
	Reason          string      `json:"reason,omitempty"`
	StatusCode      int         `json:"statusCode,omitempty"`
	LimiterAttempts int         `json:"limiterAttempts,omitempty"`
}

// --- Audit ---

// AuditEntry is one line of the append-only execution audit log.
// Entries are never mutated after being written.
type AuditEntry struct {
	TS         time.Time  `json:"ts"`
	RequestID  string     `json:"requestId,omitempty"`
	AppID      string     `json:"appId"`
	FunctionID string     `json:"functionId,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Meta       *AuditMeta `json:"meta,omitempty"`
}

// AuditMeta carries the throttling and tenancy detail of one execution.
type AuditMeta struct {
	RateLimiterAttempts int            `json:"rateLimiterAttempts,omitempty"`
	RateLimiterWaitMs   int64          `json:"rateLimiterWaitMs,omitempty"`
	Backoffs            []BackoffEvent `json:"backoffs,omitempty"`
	TotalBackoffMs      int64          `json:"totalBackoffMs,omitempty"`
	OrganizationID      string         `json:"organizationId,omitempty"`
	Region              string         `json:"region,omitempty"`
}

// --- LLM usage and budgets ---

// UsageRecord is a single LLM spend event, recorded by the budget manager and
// persisted for window accounting. Retained 90 days; daily and monthly sums
// are computed over ts >= window start, never stored materialized.
type UsageRecord struct {
	ID             string    `json:"id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	TokensUsed     int       `json:"tokens_used"`
	CostUSD        float64   `json:"cost_usd"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	TS             time.Time `json:"ts"`
}

// UsageFilter narrows admin usage queries. Since and Until are RFC3339
// strings compared against the record timestamp; zero values match all.
type UsageFilter struct {
	OrganizationID string
	UserID         string
	WorkflowID     string
	Provider       string
	Since          string
	Until          string
	Limit          int
	Offset         int
}

// --- Tenancy ---

// Organization is a top-level tenant with its residency assignment and
// rolling LLM spend.
type Organization struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Region        string    `json:"region,omitempty"`         // "" = DefaultRegion
	DataResidency string    `json:"data_residency,omitempty"` // e.g. "eu-strict"
	TotalSpendUSD float64   `json:"total_spend_usd"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DefaultRegion is assumed when an organization has no residency assignment.
const DefaultRegion = "us"

// ResidencyReport describes where an organization's execution artifacts live.
// The executor tags audit entries with it; HTTP routing never changes.
type ResidencyReport struct {
	Region        string            `json:"region"`
	DataResidency string            `json:"dataResidency,omitempty"`
	Storage       ResidencyStorage  `json:"storage"`
	Workloads     map[string]string `json:"workloads,omitempty"`
}

// ResidencyStorage holds the isolation prefixes for an organization's region.
type ResidencyStorage struct {
	SecretsNamespace string `json:"secretsNamespace"`
	FilePrefix       string `json:"filePrefix"`
	LogPrefix        string `json:"logPrefix"`
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// --- Shared helpers ---

// HashContent returns the hex-encoded SHA-256 of the given parts joined with
// a NUL separator. Used for content-addressed cache keys: the same canonical
// parts always map to the same key.
func HashContent(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
