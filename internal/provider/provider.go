// Package provider defines the capability every music generation backend
// implements and the error kinds the orchestrator uses to decide between
// falling back and failing outright.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error kinds. Adapters wrap one of these in an *Error.
var (
	ErrAuthFailed          = errors.New("provider: authentication failed")
	ErrProviderUnavailable = errors.New("provider: unavailable")
	ErrRateLimited         = errors.New("provider: rate limited")
	ErrInvalidRequest      = errors.New("provider: invalid request")
)

// Request is what every provider accepts.
type Request struct {
	Prompt        string
	DurationS     int
	Lyrics        string
	StyleStrength float64
	Seed          *int
	ReferenceURL  string
}

// Result points at the generated audio on the provider's side.
type Result struct {
	FileURL       string
	Provider      string
	ProviderJobID string
}

type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Error tags a failure with the provider that produced it.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with provider unless it already carries one.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: provider, Err: err}
}

// ShouldFallback reports whether the next provider in the chain should be tried.
// Authentication and availability problems are specific to one backend; an
// invalid request would fail the same way everywhere.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) {
		return false
	}
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MapHTTPStatus converts a non-2xx provider response into a tagged error. It
// returns nil for 2xx. The body is read (bounded) for context and closed.
func MapHTTPStatus(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	detail := strings.TrimSpace(string(body))

	var kind error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrAuthFailed
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = ErrInvalidRequest
	default:
		kind = ErrProviderUnavailable
	}
	return &Error{Provider: provider, Err: fmt.Errorf("%w: status %d: %s", kind, resp.StatusCode, detail)}
}

// TransportError tags a failed round trip (DNS, connect, reset, timeout) as unavailability.
func TransportError(provider string, err error) error {
	return &Error{Provider: provider, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
}

// Clamp bounds v to [lo, hi].
func Clamp[T int | float64](v, lo, hi T) T {
	return max(lo, min(hi, v))
}
