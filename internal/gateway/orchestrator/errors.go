package orchestrator

import (
	"errors"
	"net/http"
)

// Kind classifies terminal request failures
type Kind string

const (
	KindConfiguration     Kind = "ConfigurationError"
	KindCapacity          Kind = "CapacityExhausted"
	KindUpstreamRejected  Kind = "UpstreamRejected"
	KindUpstreamThrottled Kind = "UpstreamThrottled"
	KindProtocol          Kind = "ProtocolError"
	KindTransport         Kind = "TransientTransportError"
	KindUnauthorized      Kind = "Unauthorized"
)

// Error is a terminal failure surfaced to the API caller
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure onto the status returned to the caller
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamRejected:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// StatusOf returns the HTTP status for any error, defaulting to 500
func StatusOf(err error) int {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.HTTPStatus()
	}
	return http.StatusInternalServerError
}
