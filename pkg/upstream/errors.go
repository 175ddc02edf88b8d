package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying upstream failures.
var (
	// ErrSourceUnavailable indicates the bulk enumeration query failed.
	// It is fatal for a run and never retried by the client.
	ErrSourceUnavailable = errors.New("identifier source unavailable")

	// ErrTransient indicates a network error, timeout, or rate limit.
	ErrTransient = errors.New("transient fetch failure")

	// ErrEmptyResponse indicates a well-formed response without any rows.
	// Upstream emptiness for a known identifier is a server-side hiccup,
	// so it is retried like ErrTransient.
	ErrEmptyResponse = errors.New("empty response")

	// ErrSchema indicates a malformed or unrecognized response shape.
	ErrSchema = errors.New("unrecognized response schema")

	// ErrRejected indicates upstream refused the request (4xx other than
	// 408 and 429). Retrying the same request cannot succeed.
	ErrRejected = errors.New("request rejected")
)

// FetchError wraps an upstream failure with context.
//
// Kind is one of the sentinel errors above; Err is the underlying cause and
// may be nil. errors.Is matches both.
type FetchError struct {
	// Op is the query that failed (e.g., "FetchPrimary", "Enumerate").
	Op string

	// ID is the identifier or scope the query was issued for.
	ID string

	// Status is the HTTP status code, if a response was received.
	Status int

	// Kind is the sentinel classification.
	Kind error

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the classification and the cause for errors.Is/As support.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient returns true if the error is a network, timeout or rate-limit failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsEmptyResponse returns true if upstream answered without rows.
func IsEmptyResponse(err error) bool {
	return errors.Is(err, ErrEmptyResponse)
}

// IsSchema returns true if the response shape was not recognized.
func IsSchema(err error) bool {
	return errors.Is(err, ErrSchema)
}

// IsSourceUnavailable returns true if identifier enumeration failed.
func IsSourceUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// IsRetryable returns true for failures worth another attempt.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsEmptyResponse(err)
}

// Code returns a short machine-readable code for err, used in event records.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsSourceUnavailable(err):
		return "SOURCE_UNAVAILABLE"
	case IsEmptyResponse(err):
		return "EMPTY_RESPONSE"
	case IsTransient(err):
		return "TRANSIENT"
	case IsSchema(err):
		return "SCHEMA"
	case errors.Is(err, ErrRejected):
		return "REJECTED"
	default:
		return "INTERNAL"
	}
}
