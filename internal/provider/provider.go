package provider

import (
	"context"
	"errors"
	"fmt"
)

// Activation status values reported by upstream providers.
const (
	StatusWaiting   = "waiting"
	StatusReceived  = "received"
	StatusRetry     = "retry"
	StatusCancelled = "cancelled"
)

// setStatus codes of the handler_api protocol.
const (
	SetStatusSent     = 1
	SetStatusRetry    = 3
	SetStatusComplete = 6
	SetStatusCancel   = 8
)

// Reservation is the result of ordering a number upstream.
type Reservation struct {
	ActivationID string `json:"activation_id"`
	PhoneNumber  string `json:"phone_number"`
}

// StatusResult is the parsed outcome of a getStatus poll. Code carries the
// received code for both "received" and "retry" (last code) responses.
type StatusResult struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// ActiveOrder is one entry of a provider's current-activations listing, used
// for phone-keyed lookups when the provider hands out degenerate ids.
type ActiveOrder struct {
	ActivationID string `json:"activation_id"`
	PhoneNumber  string `json:"phone_number"`
	SmsCode      string `json:"sms_code,omitempty"`
	Status       string `json:"status"`
}

// NumberProvider is the uniform interface the engine consumes over the
// heterogeneous upstream services.
type NumberProvider interface {
	GetBalance(ctx context.Context) (float64, error)
	GetNumber(ctx context.Context, service string, country int, operator string) (*Reservation, error)
	GetStatus(ctx context.Context, activationID string) (*StatusResult, error)
	SetStatus(ctx context.Context, activationID string, status int) error
	GetCurrentActivations(ctx context.Context) ([]ActiveOrder, error)
}

// ErrUnavailable is what callers see for transport-level failures. It must
// never leak which upstream provider was involved.
var ErrUnavailable = errors.New("service temporarily unavailable, please try again shortly")

// APIError is a protocol-level error response (BAD_*, NO_*, ERROR_*, WRONG_*).
type APIError struct {
	Code      string // upstream token, e.g. NO_NUMBERS
	RateLimit bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error: %s", e.Code)
}

// IsRateLimited reports whether err is a rate-limit-class provider error.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimit
}
