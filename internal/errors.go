package connector

import (
	"errors"
	"fmt"
)

// Sentinel errors for the runtime domain.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrConnectorNotFound = errors.New("connector not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrMissingCredential = errors.New("missing credential")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrStoreUnavailable  = errors.New("shared store unavailable")
)

// Kind is the coarse failure classification of the runtime's error taxonomy.
// Kinds decide propagation: config, validation, policy, and quota errors are
// terminal at the executor; transient errors are retried to maxAttempts.
type Kind string

const (
	KindConfig     Kind = "config"     // unknown connector or operation
	KindValidation Kind = "validation" // parameters violate the operation schema
	KindAuth       Kind = "auth"       // missing credential, vendor 401/403
	KindPolicy     Kind = "policy"     // SSRF denial, protocol denial, concurrency
	KindTransient  Kind = "transient"  // retryable status, timeout, DNS transient
	KindVendor     Kind = "vendor"     // 2xx with a failure envelope
	KindQuota      Kind = "quota"      // LLM budget denial
	KindInternal   Kind = "internal"   // schema compile, audit write, bug
)

// Error is a taxonomy-bearing runtime failure. Code is the short machine
// code surfaced to callers; Status is the vendor HTTP status when the error
// came from a response.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with a formatted message.
func E(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err's *Error if it carries one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Machine codes surfaced to callers.
const (
	CodeValidationError    = "validation_error"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeUnprocessable      = "unprocessable_entity"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeServerError        = "server_error"
	CodeHTTPError          = "http_error"
	CodeTargetNotAllowed   = "target_not_allowed"
	CodeInvalidURL         = "invalid_url"
	CodeProtocolNotAllowed = "protocol_not_allowed"
	CodeDNSFailed          = "dns_resolution_failed"
	CodeConnectorNotFound  = "connector_not_found"
	CodeOperationNotFound  = "operation_not_found"
	CodeMissingCredential  = "missing_credential"
	CodeVendorError        = "vendor_error"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeNetworkError       = "network_error"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

// CodeForStatus maps a vendor HTTP status >= 400 to the caller-facing code.
func CodeForStatus(status int) string {
	switch {
	case status == 400:
		return CodeValidationError
	case status == 401:
		return CodeUnauthorized
	case status == 403:
		return CodeForbidden
	case status == 404:
		return CodeNotFound
	case status == 409:
		return CodeConflict
	case status == 422:
		return CodeUnprocessable
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeServerError
	default:
		return CodeHTTPError
	}
}

// KindForStatus maps a vendor HTTP status >= 400 to its taxonomy kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 408 || status == 425 || status == 429 || status >= 500:
		return KindTransient
	default:
		return KindVendor
	}
}
