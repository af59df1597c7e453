// Package apierr defines the typed error taxonomy shared by every layer of
// the request pipeline. Each Kind carries exactly one HTTP status; errors
// travel unchanged from the layer that produced them to the pipeline
// boundary, where Respond renders the client-facing JSON body.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of pipeline failure.
type Kind string

const (
	KindMissingCredentials        Kind = "MissingCredentials"
	KindInvalidServiceKey         Kind = "InvalidServiceKey"
	KindServiceKeyExpired         Kind = "ServiceKeyExpired"
	KindServiceKeyInactive        Kind = "ServiceKeyInactive"
	KindNoProviderKeysConfigured  Kind = "NoProviderKeysConfigured"
	KindNoActiveProviderKeys      Kind = "NoActiveProviderKeys"
	KindOAuthSessionMissing       Kind = "OAuthSessionMissing"
	KindOAuthSessionNotAuthorized Kind = "OAuthSessionNotAuthorized"
	KindOAuthRefreshFailed        Kind = "OAuthRefreshFailed"
	KindRateLimitedRequestsPerMin Kind = "RateLimitedRequestsPerMinute"
	KindRateLimitedRequestsPerDay Kind = "RateLimitedRequestsPerDay"
	KindRateLimitedTokensPerDay   Kind = "RateLimitedTokensPerDay"
	KindRateLimitedCostPerDay     Kind = "RateLimitedCostPerDay"
	KindUpstreamTimeout           Kind = "UpstreamTimeout"
	KindUpstreamConnect           Kind = "UpstreamConnect"
	KindUpstreamTLS               Kind = "UpstreamTLS"
	KindUpstreamClosed            Kind = "UpstreamClosed"
	KindClientDisconnect          Kind = "ClientDisconnect"
	KindProviderNotFound          Kind = "ProviderNotFound"
	KindInvalidProviderName       Kind = "InvalidProviderName"
	KindInternal                  Kind = "Internal"
)

// statusFor maps each Kind to the single HTTP status it produces.
var statusFor = map[Kind]int{
	KindMissingCredentials:        http.StatusUnauthorized,
	KindInvalidServiceKey:         http.StatusUnauthorized,
	KindServiceKeyExpired:         http.StatusUnauthorized,
	KindServiceKeyInactive:        http.StatusUnauthorized,
	KindNoProviderKeysConfigured:  http.StatusBadGateway,
	KindNoActiveProviderKeys:      http.StatusBadGateway,
	KindOAuthSessionMissing:       http.StatusBadGateway,
	KindOAuthSessionNotAuthorized: http.StatusBadGateway,
	KindOAuthRefreshFailed:        http.StatusBadGateway,
	KindRateLimitedRequestsPerMin: http.StatusTooManyRequests,
	KindRateLimitedRequestsPerDay: http.StatusTooManyRequests,
	KindRateLimitedTokensPerDay:   http.StatusTooManyRequests,
	KindRateLimitedCostPerDay:     http.StatusTooManyRequests,
	KindUpstreamTimeout:           http.StatusGatewayTimeout,
	KindUpstreamConnect:           http.StatusBadGateway,
	KindUpstreamTLS:               http.StatusBadGateway,
	KindUpstreamClosed:            http.StatusBadGateway,
	KindClientDisconnect:          499, // non-standard, matches nginx's client-closed-request convention
	KindProviderNotFound:          http.StatusNotFound,
	KindInvalidProviderName:       http.StatusNotFound,
	KindInternal:                  http.StatusInternalServerError,
}

// Error is the typed error produced by pipeline steps and external
// collaborators (store, cache, upstream transport).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status this error kind maps to.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind, formatting message the way
// fmt.Sprintf does.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a lower-level cause,
// formatting message the way fmt.Sprintf does.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err, defaulting to 500 for
// unclassified errors.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// body is the wire shape of a synthetic error response, per spec §6.1:
// {"error":{"type":<kind>,"message":<text>,"request_id":<uuid>}}.
type body struct {
	Error struct {
		Type      Kind   `json:"type"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

// Respond writes the synthetic JSON error body for err to w, setting the
// status code derived from its Kind.
func Respond(w http.ResponseWriter, requestID string, err error) {
	status := StatusOf(err)
	var b body
	b.Error.Type = KindOf(err)
	b.Error.Message = err.Error()
	b.Error.RequestID = requestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(b)
}
