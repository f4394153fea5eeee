package vbg

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequestType is returned before any network access when a
	// request carries no operation.
	ErrMissingRequestType = errors.New("vbg: request type not set")
	// ErrMissingField is returned when a command lacks a required field.
	ErrMissingField = errors.New("vbg: missing required field")
	// ErrInvalidName is returned for operation or field names that cannot be
	// used as XML element names.
	ErrInvalidName = errors.New("vbg: invalid element name")
	// ErrMissingCredentials is returned by New when client name or key is empty.
	ErrMissingCredentials = errors.New("vbg: client credentials not configured")
	// ErrMalformedResponse wraps XML parse failures of the reply body.
	ErrMalformedResponse = errors.New("vbg: malformed response")
	// ErrSampleTooLarge is returned when an audio sample exceeds the configured limit.
	ErrSampleTooLarge = errors.New("vbg: voice sample too large")
)

// StatusError reports a reply with a non-2xx HTTP status. Response is set when
// the body still parsed as a service reply.
type StatusError struct {
	StatusCode int
	Body       string
	Response   *Response
}

func (e *StatusError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("vbg: unexpected status %d (response %s, errorcode %q)", e.StatusCode, e.Response.Type, e.Response.ErrorCode())
	}
	return fmt.Sprintf("vbg: unexpected status %d: %s", e.StatusCode, e.Body)
}

func missingField(op Operation, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMissingField, op, field)
}
