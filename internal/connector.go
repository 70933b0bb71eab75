// Package connector defines domain types and interfaces for the Bifrost
// connector execution runtime. This package has no project imports -- it is
// the dependency root.
package connector

import (
	"encoding/json"
	"strings"
)

// --- Connector definitions ---

// Definition is a declarative description of one external API: base URL,
// authentication scheme, typed operations, and rate-limit policy. Definitions
// are curated by operators and treated as trusted inputs; they are owned by a
// repository outside the runtime and read through registry.Repository.
type Definition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Version   string    `json:"version,omitempty"`
	Lifecycle Lifecycle `json:"lifecycle"`

	// BaseURL may contain {placeholder} segments substituted from credentials
	// (e.g. "https://{subdomain}.zendesk.com/api/v2").
	BaseURL string `json:"baseUrl"`

	Auth     AuthSpec    `json:"authentication"`
	Actions  []Operation `json:"actions,omitempty"`
	Triggers []Operation `json:"triggers,omitempty"`

	RateLimits     *RateLimitRules `json:"rateLimits,omitempty"`
	Concurrency    *Concurrency    `json:"concurrency,omitempty"`
	Network        *NetworkPolicy  `json:"network,omitempty"`
	TestConnection *TestProbe      `json:"testConnection,omitempty"`
}

// FindOperation returns the operation with the given id, searching actions
// first and then triggers, or nil if absent.
func (d *Definition) FindOperation(id string) *Operation {
	for i := range d.Actions {
		if d.Actions[i].ID == id {
			return &d.Actions[i]
		}
	}
	for i := range d.Triggers {
		if d.Triggers[i].ID == id {
			return &d.Triggers[i]
		}
	}
	return nil
}

// OperationLimits returns the effective rate-limit rules for op: the stricter
// merge of the connector-level and operation-level rules. Nil when neither
// declares any.
func (d *Definition) OperationLimits(op *Operation) *RateLimitRules {
	if op == nil {
		return d.RateLimits
	}
	return MergeRateLimits(d.RateLimits, op.RateLimits)
}

// Lifecycle tracks a connector's maturity status.
type Lifecycle struct {
	Status        string       `json:"status,omitempty"` // alpha, beta, stable, deprecated, sunset
	BetaStartedAt string       `json:"betaStartedAt,omitempty"`
	Deprecation   *Deprecation `json:"deprecation,omitempty"`
}

// Deprecation holds the deprecation schedule of a sunsetting connector.
type Deprecation struct {
	StartDate  string `json:"startDate,omitempty"`
	SunsetDate string `json:"sunsetDate,omitempty"`
}

// OperationType distinguishes callable actions from polled triggers.
type OperationType string

const (
	OpAction  OperationType = "action"
	OpTrigger OperationType = "trigger"
)

// Operation is one callable action or trigger of a connector.
type Operation struct {
	ID   string        `json:"id"`
	Type OperationType `json:"type,omitempty"`
	Name string        `json:"name,omitempty"`

	// Endpoint is templated with :name or {name} placeholders resolved from
	// parameters first, then credentials.
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	// Parameters is the JSON Schema every caller-supplied parameter set must
	// satisfy. Keys declared here are the only permitted input keys.
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	ResponseSchema json.RawMessage `json:"responseSchema,omitempty"`
	OutputSchema   json.RawMessage `json:"outputSchema,omitempty"`
	Sample         json.RawMessage `json:"sample,omitempty"`

	RateLimits *RateLimitRules `json:"rateLimits,omitempty"`
	Dedupe     *Dedupe         `json:"dedupe,omitempty"` // honored by the scheduler, not the runtime
}

// Dedupe names the primary key the surrounding scheduler deduplicates
// trigger events on.
type Dedupe struct {
	PrimaryKey string `json:"primaryKey,omitempty"`
}

// TestProbe is a definition-level connectivity check endpoint.
type TestProbe struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method,omitempty"`
}

// Concurrency caps in-flight requests. Enforcement is reserved for the
// limiter's release hook; the runtime records but does not yet gate on it.
type Concurrency struct {
	MaxConcurrent int    `json:"maxConcurrentRequests,omitempty"`
	Scope         string `json:"scope,omitempty"` // connection, connector, organization
}

// NetworkPolicy declares the outbound surface a connector needs.
type NetworkPolicy struct {
	RequiredOutbound Outbound `json:"requiredOutbound"`
}

// Outbound lists domains and IP ranges a connector calls.
type Outbound struct {
	Domains  []string `json:"domains,omitempty"`
	IPRanges []string `json:"ipRanges,omitempty"`
}

// --- Rate limits ---

// RateLimitRules declares a connector's permitted request rates. Zero values
// mean "not declared". Rates collapse to one refill rate via
// min(rps, rpm/60, rph/3600, rpd/86400) in the limiter.
type RateLimitRules struct {
	RPS   float64 `json:"requestsPerSecond,omitempty"`
	RPM   float64 `json:"requestsPerMinute,omitempty"`
	RPH   float64 `json:"requestsPerHour,omitempty"`
	RPD   float64 `json:"requestsPerDay,omitempty"`
	Burst int     `json:"burst,omitempty"`

	Headers RateLimitHeaders `json:"headers"`
}

// RateLimitHeaders names the response headers a vendor reports rate-limit
// state in. Each slot lists candidate header names in precedence order.
type RateLimitHeaders struct {
	Limit      []string `json:"limit,omitempty"`
	Remaining  []string `json:"remaining,omitempty"`
	Reset      []string `json:"reset,omitempty"`
	RetryAfter []string `json:"retryAfter,omitempty"`
}

// Empty reports whether no rate or burst is declared.
func (r *RateLimitRules) Empty() bool {
	if r == nil {
		return true
	}
	return r.RPS <= 0 && r.RPM <= 0 && r.RPH <= 0 && r.RPD <= 0 && r.Burst <= 0
}

// MergeRateLimits combines connector-level and operation-level rules into the
// stricter of the two: the minimum of each declared rate and burst. Header
// mappings prefer the operation's when present. Returns nil when both are nil.
func MergeRateLimits(conn, op *RateLimitRules) *RateLimitRules {
	if op == nil {
		return conn
	}
	if conn == nil {
		return op
	}
	merged := &RateLimitRules{
		RPS:   minDeclared(conn.RPS, op.RPS),
		RPM:   minDeclared(conn.RPM, op.RPM),
		RPH:   minDeclared(conn.RPH, op.RPH),
		RPD:   minDeclared(conn.RPD, op.RPD),
		Burst: int(minDeclared(float64(conn.Burst), float64(op.Burst))),
	}
	merged.Headers = op.Headers
	if len(merged.Headers.Limit) == 0 && len(merged.Headers.Remaining) == 0 &&
		len(merged.Headers.Reset) == 0 && len(merged.Headers.RetryAfter) == 0 {
		merged.Headers = conn.Headers
	}
	return merged
}

// minDeclared treats zero as "not declared": the minimum of the declared
// values, or zero when neither is declared.
func minDeclared(a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	return min(a, b)
}

// --- Authentication ---

// AuthType enumerates the supported credential injection schemes.
type AuthType string

const (
	AuthOAuth2 AuthType = "oauth2"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthCustom AuthType = "custom"
)

// AuthSpec is a connector's authentication scheme: a type tag plus
// scheme-specific configuration. The injector switches exhaustively on Type.
type AuthSpec struct {
	Type   AuthType   `json:"type"`
	Config AuthConfig `json:"config"`
}

// Scheme returns the normalized auth type: "basic_auth" collapses to basic,
// empty defaults to custom.
func (a AuthSpec) Scheme() AuthType {
	switch a.Type {
	case "basic_auth":
		return AuthBasic
	case "":
		return AuthCustom
	default:
		return a.Type
	}
}

// AuthConfig carries the scheme-specific knobs of an AuthSpec.
type AuthConfig struct {
	// In places an api_key value: "header" (default) or "query".
	In string `json:"in,omitempty"`
	// Name is the header or query parameter carrying the key.
	// Defaults to "Authorization" for headers, "api_key" for query.
	Name string `json:"name,omitempty"`
	// Prefix is prepended to the raw key, e.g. "Bearer " or "Token ".
	Prefix string `json:"prefix,omitempty"`
	// APIKeyValue is an optional template for the full value with {api_key}
	// substituted, e.g. "Splunk {api_key}".
	APIKeyValue string `json:"apiKeyValue,omitempty"`
	// TokenField names the credential holding the bearer token. Default "token".
	TokenField string `json:"tokenField,omitempty"`
	// AdditionalParams are extra header/query values templated against
	// credentials with {name} placeholders.
	AdditionalParams map[string]string `json:"additionalParams,omitempty"`
}

// --- Credentials ---

// Reserved credential keys injected by the platform, never by users.
const (
	CredConnectionID   = "__connectionId"
	CredOrganizationID = "__organizationId"
)

// Credentials is the opaque per-call credential bundle keyed by name
// (accessToken, apiKey, username, ...). Supplied by the caller on every call
// and never cached by the runtime.
type Credentials map[string]string

// ConnectionID returns the reserved connection identity, or "".
func (c Credentials) ConnectionID() string { return c[CredConnectionID] }

// OrganizationID returns the reserved organization identity, or "".
func (c Credentials) OrganizationID() string { return c[CredOrganizationID] }

// First returns the first non-empty value among the named keys.
func (c Credentials) First(keys ...string) string {
	for _, k := range keys {
		if v := c[k]; v != "" {
			return v
		}
	}
	return ""
}

// IsReservedCred reports whether name is a platform-reserved credential key.
func IsReservedCred(name string) bool { return strings.HasPrefix(name, "__") }
