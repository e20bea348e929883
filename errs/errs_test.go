package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndFields(t *testing.T) {
	err := New(
		"rest/proxied",
		CodeNetwork,
		WithHTTP(502),
		WithSymbol("AAPL"),
		WithMessage("previous close request failed"),
		WithCanonicalCode(CanonicalNoData),
		WithField("endpoint", "/v2/aggs/ticker/AAPL/prev"),
		WithField("attempt", "3"),
		WithCause(errors.New("bad gateway")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=rest/proxied") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=network") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=no_data") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "symbol=AAPL") {
		t.Fatalf("expected symbol in error string: %s", out)
	}
	expectedFields := "fields=attempt=\"3\",endpoint=\"/v2/aggs/ticker/AAPL/prev\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"bad gateway\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("fetcher", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestHasCodeThroughWrapping(t *testing.T) {
	base := New("fetcher", CodeInvalid, WithCanonicalCode(CanonicalMissingUnderlying))
	wrapped := fmt.Errorf("option chain: %w", base)

	if !HasCode(wrapped, CodeInvalid) {
		t.Fatalf("expected wrapped error to carry invalid code")
	}
	if !HasCanonical(wrapped, CanonicalMissingUnderlying) {
		t.Fatalf("expected wrapped error to carry missing_underlying")
	}
	if HasCode(errors.New("plain"), CodeInvalid) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		CodeNetwork:     true,
		CodeUnavailable: true,
		CodeRateLimited: true,
		CodeInvalid:     false,
		CodeNotFound:    false,
		CodeAuth:        false,
		CodeData:        false,
	}
	for code, want := range cases {
		if got := Retryable(New("rest", code)); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalid:     http.StatusBadRequest,
		CodeNotFound:    http.StatusNotFound,
		CodeUnavailable: http.StatusServiceUnavailable,
		CodeNetwork:     http.StatusBadGateway,
		CodeRateLimited: http.StatusTooManyRequests,
	}
	for code, want := range cases {
		if got := HTTPStatus(fmt.Errorf("wrapped: %w", New("fetcher", code))); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
	if got := HTTPStatus(New("rest", CodeAuth, WithHTTP(http.StatusForbidden))); got != http.StatusUnauthorized {
		t.Fatalf("upstream status leaked, got %d", got)
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain error mapped to %d", got)
	}
}
