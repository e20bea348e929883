// Package errs provides structured error types and helpers for quotestream services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure family of an error.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded provider rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeData indicates a malformed or incomplete provider payload.
	CodeData Code = "data"
)

// CanonicalCode captures provider-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalMissingUnderlying indicates an option request without a resolvable underlying.
	CanonicalMissingUnderlying CanonicalCode = "missing_underlying"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalNoData indicates that no network path or cache entry produced a value.
	CanonicalNoData CanonicalCode = "no_data"
	// CanonicalStale indicates the value returned is past its expiry.
	CanonicalStale CanonicalCode = "stale"
)

// E captures structured error information produced across the quotestream stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Symbol    string
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithSymbol records the symbol the failure relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err carries an envelope with the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// HasCanonical reports whether err carries an envelope with the given canonical code.
func HasCanonical(err error, code CanonicalCode) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == code
}

// Retryable reports whether the failure is transient and worth retrying.
func Retryable(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err to the status a caller of this service should see.
// The upstream status recorded by WithHTTP is not reused.
func HTTPStatus(err error) int {
	var e *E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeNetwork, CodeData:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
