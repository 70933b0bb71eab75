// Package executor runs the end-to-end connector pipeline: definition
// lookup, parameter validation, request assembly, the guarded transport
// exchange, response shaping, and the audit record.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/auth"
	"github.com/andersh/bifrost/internal/normalize"
	"github.com/andersh/bifrost/internal/registry"
	"github.com/andersh/bifrost/internal/request"
	"github.com/andersh/bifrost/internal/schema"
	"github.com/andersh/bifrost/internal/telemetry"
	"github.com/andersh/bifrost/internal/transport"
)

// DefaultMaxPages caps a pagination loop whose vendor never stops producing
// cursors.
const DefaultMaxPages = 5

// AuditSink receives the one record every terminal execution emits.
type AuditSink interface {
	Record(entry connector.AuditEntry)
}

// RegionResolver reports where an organization's execution artifacts live.
type RegionResolver interface {
	Region(ctx context.Context, orgID string) string
}

// Deps are the collaborators of an Executor. Registry, Validator, and
// Transport are required; the rest degrade to no-ops when nil.
type Deps struct {
	Registry  registry.Repository
	Validator *schema.Validator
	Transport *transport.Transport
	Audit     AuditSink          // nil = no audit trail
	Residency RegionResolver     // nil = entries carry no region
	Metrics   *telemetry.Metrics // nil = no metrics

	MaxAttempts int           // 0 = retry default
	Timeout     time.Duration // 0 = no per-attempt deadline
}

// Executor drives the per-call pipeline. Safe for concurrent use; every call
// is an independent sequential pass.
type Executor struct {
	deps Deps

	// Overridable in tests.
	now func() time.Time
}

// New returns an Executor over deps.
func New(deps Deps) *Executor {
	return &Executor{deps: deps, now: time.Now}
}

// Request identifies one operation invocation. Credentials ride along on
// every call and are never cached by the runtime.
type Request struct {
	AppID       string                `json:"appId"`
	FunctionID  string                `json:"functionId"`
	Parameters  map[string]any        `json:"parameters,omitempty"`
	Credentials connector.Credentials `json:"credentials,omitempty"`
}

// Response is the caller-facing outcome of one execution. Failures carry the
// machine code, the human message, the attempts spent, and the last
// Retry-After observed.
type Response struct {
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Attempts         int             `json:"attempts,omitempty"`
	LastRetryAfterMs int64           `json:"lastRetryAfterMs,omitempty"`
	Meta             *normalize.Meta `json:"meta,omitempty"`
}

// PagedResponse aggregates a pagination loop. Meta is the last page's; Pages
// counts Execute calls issued, a failed final one included.
type PagedResponse struct {
	Success   bool              `json:"success"`
	Items     []json.RawMessage `json:"items"`
	Meta      *normalize.Meta   `json:"meta,omitempty"`
	Pages     int               `json:"pages"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"errorCode,omitempty"`
}

// Execute runs one operation end to end. Errors are folded into the
// Response, never returned; exactly one audit entry is emitted per call.
func (e *Executor) Execute(ctx context.Context, req Request) *Response {
	start := e.now()
	resp, tres := e.run(ctx, req)
	e.finish(ctx, req, resp, tres, start)
	return resp
}

// ExecutePaginated repeats Execute, feeding each page's continuation cursor
// back into the parameters under the name the page's meta declares. Stops on
// failure, a missing cursor, or maxPages (default 5). Items collected before
// a failure are returned alongside it.
func (e *Executor) ExecutePaginated(ctx context.Context, req Request, maxPages int) *PagedResponse {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	params := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	req.Parameters = params

	out := &PagedResponse{Success: true, Items: []json.RawMessage{}}
	for out.Pages < maxPages {
		resp := e.Execute(ctx, req)
		out.Pages++
		if !resp.Success {
			out.Success = false
			out.Error = resp.Error
			out.ErrorCode = resp.ErrorCode
			return out
		}
		out.Items = append(out.Items, pageItems(resp)...)
		out.Meta = resp.Meta
		if resp.Meta == nil || resp.Meta.NextCursor == "" {
			break
		}
		param := resp.Meta.CursorParam
		if param == "" {
			param = "cursor"
		}
		params[param] = resp.Meta.NextCursor
	}
	return out
}

// TestConnection checks that a connector is reachable with the given
// credentials. An explicit test_connection operation wins, then the
// definition-level probe, then the known vendor endpoints; a connector with
// none of those is reported ready without touching the network.
func (e *Executor) TestConnection(ctx context.Context, appID string, creds connector.Credentials) *Response {
	req := Request{AppID: appID, Credentials: creds}
	start := e.now()

	def, err := e.deps.Registry.Get(ctx, appID)
	if err != nil {
		resp := e.errorResponse(ctx, err, nil)
		e.finish(ctx, req, resp, nil, start)
		return resp
	}

	op := probeOperation(def)
	if op == nil {
		return &Response{Success: true, Data: json.RawMessage(`{"status":"ready"}`)}
	}

	req.FunctionID = op.ID
	resp, tres := e.call(ctx, def, op, req)
	e.finish(ctx, req, resp, tres, start)
	return resp
}

// run is steps one and two: resolve the definition and the operation, then
// hand off to call.
func (e *Executor) run(ctx context.Context, req Request) (*Response, *transport.Result) {
	def, err := e.deps.Registry.Get(ctx, req.AppID)
	if err != nil {
		return e.errorResponse(ctx, err, nil), nil
	}

	op := def.FindOperation(req.FunctionID)
	if op == nil {
		return e.errorResponse(ctx, &connector.Error{
			Kind:    connector.KindConfig,
			Code:    connector.CodeOperationNotFound,
			Message: fmt.Sprintf("connector %s has no operation %q", req.AppID, req.FunctionID),
			Err:     connector.ErrOperationNotFound,
		}, nil), nil
	}

	return e.call(ctx, def, op, req)
}

// call validates, assembles, and performs the exchange for one resolved
// operation, then shapes the outcome.
func (e *Executor) call(ctx context.Context, def *connector.Definition, op *connector.Operation, req Request) (*Response, *transport.Result) {
	if err := e.deps.Validator.Validate(ctx, def.ID, op.ID, op.Parameters, req.Parameters); err != nil {
		return e.errorResponse(ctx, err, nil), nil
	}

	built, err := request.Build(request.In{
		BaseURL:  auth.ExpandURL(def.BaseURL, req.Credentials),
		Endpoint: op.Endpoint,
		Method:   op.Method,
		Params:   req.Parameters,
		Creds:    req.Credentials,
	})
	if err != nil {
		return e.errorResponse(ctx, err, nil), nil
	}

	httpReq, err := newHTTPRequest(ctx, op.Method, built)
	if err != nil {
		return e.errorResponse(ctx, err, nil), nil
	}
	if err := auth.Inject(def, req.Credentials, httpReq); err != nil {
		return e.errorResponse(ctx, err, nil), nil
	}

	res, err := e.deps.Transport.Do(ctx, httpReq, transport.Options{
		Connector:   def.ID,
		Connection:  req.Credentials.ConnectionID(),
		Org:         req.Credentials.OrganizationID(),
		Rules:       def.OperationLimits(op),
		MaxAttempts: e.deps.MaxAttempts,
		Timeout:     e.deps.Timeout,
		OnResponse:  retryHint,
	})
	if err != nil {
		return e.errorResponse(ctx, err, res), res
	}
	if res.Status >= 400 {
		return e.errorResponse(ctx, statusError(res), res), res
	}
	if envErr := envelopeError(res.Body); envErr != nil {
		return e.errorResponse(ctx, envErr, res), res
	}
	return successResponse(def.ID, res), res
}

// finish records metrics and emits the audit entry. Called exactly once per
// terminal path.
func (e *Executor) finish(ctx context.Context, req Request, resp *Response, tres *transport.Result, start time.Time) {
	elapsed := e.now().Sub(start)

	if m := e.deps.Metrics; m != nil {
		outcome := "success"
		if !resp.Success {
			outcome = "failure"
		}
		m.ExecutionsTotal.WithLabelValues(req.AppID, outcome).Inc()
		m.ExecutionDuration.WithLabelValues(req.AppID).Observe(elapsed.Seconds())
	}

	if e.deps.Audit == nil {
		return
	}
	entry := connector.AuditEntry{
		TS:         start.UTC(),
		RequestID:  connector.RequestIDFromContext(ctx),
		AppID:      req.AppID,
		FunctionID: req.FunctionID,
		DurationMs: elapsed.Milliseconds(),
		Success:    resp.Success,
		Error:      resp.Error,
	}
	meta := &connector.AuditMeta{OrganizationID: req.Credentials.OrganizationID()}
	if meta.OrganizationID != "" && e.deps.Residency != nil {
		meta.Region = e.deps.Residency.Region(ctx, meta.OrganizationID)
	}
	if tres != nil {
		meta.RateLimiterAttempts = tres.LimiterAttempts
		meta.RateLimiterWaitMs = tres.LimiterWaitMs
		meta.Backoffs = tres.BackoffEvents
		meta.TotalBackoffMs = tres.BackoffTotalMs()
	}
	if tres != nil || meta.OrganizationID != "" {
		entry.Meta = meta
	}
	e.deps.Audit.Record(entry)
}

// errorResponse folds err into the caller-facing failure shape. Uncoded
// errors are logged and surfaced as internal_error so a bug never leaks
// internals into the response.
func (e *Executor) errorResponse(ctx context.Context, err error, tres *transport.Result) *Response {
	resp := &Response{Error: err.Error()}

	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		resp.ErrorCode = connector.CodeValidationError
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		resp.ErrorCode = connector.CodeTimeout
	default:
		if ce, ok := connector.AsError(err); ok {
			resp.ErrorCode = ce.Code
		} else {
			resp.ErrorCode = connector.CodeInternal
			slog.LogAttrs(ctx, slog.LevelError, "execution failed with uncoded error",
				slog.String("error", err.Error()),
			)
		}
	}

	if tres != nil {
		resp.Attempts = tres.Attempts
		resp.LastRetryAfterMs = tres.LastRetryAfterMs
	}
	return resp
}

// successResponse shapes a 2xx exchange: list payloads normalize to
// {items, meta}, anything else passes through raw with continuation hints
// attached when the body carries them.
func successResponse(connectorID string, res *transport.Result) *Response {
	resp := &Response{
		Success:          true,
		Attempts:         res.Attempts,
		LastRetryAfterMs: res.LastRetryAfterMs,
	}

	if page, ok := normalize.Normalize(connectorID, res.Body); ok {
		data, _ := json.Marshal(page)
		meta := page.Meta
		resp.Data = data
		resp.Meta = &meta
		return resp
	}

	resp.Data = rawData(res.Body)
	if cursor, param := normalize.NextCursor(res.Body); cursor != "" {
		resp.Meta = &normalize.Meta{NextCursor: cursor, CursorParam: param, HasMore: true}
	}
	return resp
}

// statusError maps a vendor HTTP failure onto the taxonomy, preferring the
// vendor's own message when the body carries one.
func statusError(res *transport.Result) error {
	msg := gjson.GetBytes(res.Body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(res.Body, "message").String()
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d: %s", res.Status, http.StatusText(res.Status))
	}
	return &connector.Error{
		Kind:    connector.KindForStatus(res.Status),
		Code:    connector.CodeForStatus(res.Status),
		Message: msg,
		Status:  res.Status,
	}
}

// envelopeError detects vendor-level failures hidden inside 2xx bodies:
// Slack's {ok:false} and the generic {error: ...} without ok:true.
func envelopeError(body []byte) *connector.Error {
	if !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil
	}

	if ok := root.Get("ok"); ok.Exists() {
		if ok.Type == gjson.True {
			return nil
		}
		msg := root.Get("error").String()
		if msg == "" {
			msg = "vendor reported failure"
		}
		return &connector.Error{Kind: connector.KindVendor, Code: connector.CodeVendorError, Message: msg}
	}

	errField := root.Get("error")
	if !errField.Exists() || errField.Type == gjson.Null || errField.Type == gjson.False {
		return nil
	}
	msg := errField.Get("message").String()
	if msg == "" {
		msg = errField.String()
	}
	if msg == "" {
		msg = "vendor reported failure"
	}
	return &connector.Error{Kind: connector.KindVendor, Code: connector.CodeVendorError, Message: msg}
}

// retryHint mines throttle hints out of 2xx failure envelopes, for vendors
// that report rate limiting without a 429.
func retryHint(status int, _ http.Header, body []byte) int64 {
	if status < 200 || status >= 300 {
		return 0
	}
	root := gjson.ParseBytes(body)
	ok := root.Get("ok")
	if !ok.Exists() || ok.Type == gjson.True {
		return 0
	}
	if ms := root.Get("retry_after_ms").Int(); ms > 0 {
		return ms
	}
	if s := root.Get("retry_after").Int(); s > 0 {
		return s * 1000
	}
	return 0
}

// probeOperation picks the connectivity check for a definition. Nil means
// nothing is callable and the connector is vacuously ready.
func probeOperation(def *connector.Definition) *connector.Operation {
	if op := def.FindOperation("test_connection"); op != nil {
		return op
	}
	if p := def.TestConnection; p != nil && p.Endpoint != "" {
		method := p.Method
		if method == "" {
			method = http.MethodGet
		}
		return &connector.Operation{ID: "test_connection", Endpoint: p.Endpoint, Method: method}
	}
	id := strings.ToLower(def.ID)
	switch {
	case strings.Contains(id, "hubspot"):
		return &connector.Operation{ID: "test_connection", Endpoint: "/crm/v3/owners?limit=1", Method: http.MethodGet}
	case strings.Contains(id, "stripe"):
		return &connector.Operation{ID: "test_connection", Endpoint: "/v1/charges?limit=1", Method: http.MethodGet}
	}
	return nil
}

// pageItems pulls the items out of one page. Unnormalized payloads count as
// a single item so mixed connectors still aggregate.
func pageItems(resp *Response) []json.RawMessage {
	if len(resp.Data) == 0 {
		return nil
	}
	if resp.Meta != nil {
		var page normalize.Page
		if err := json.Unmarshal(resp.Data, &page); err == nil && page.Items != nil {
			return page.Items
		}
	}
	return []json.RawMessage{resp.Data}
}

func newHTTPRequest(ctx context.Context, method string, built *request.Built) (*http.Request, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(built.Body) > 0 {
		body = bytes.NewReader(built.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, built.URL, body)
	if err != nil {
		return nil, &connector.Error{
			Kind:    connector.KindConfig,
			Code:    connector.CodeInvalidURL,
			Message: "invalid request URL " + built.URL,
			Err:     err,
		}
	}
	if built.ContentType != "" {
		req.Header.Set("Content-Type", built.ContentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// rawData embeds a vendor body in the response: valid JSON passes through,
// anything else is carried as a JSON string.
func rawData(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
