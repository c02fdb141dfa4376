// Package apperr holds the error taxonomy shared by services and handlers.
// Handlers translate a Kind into an HTTP status and the JSON error envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindTooLarge
	KindNotFound
	KindUpstream
)

type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Details != "":
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Details, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%s (%s)", e.Message, e.Details)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Invalid(message string) *Error {
	return &Error{Kind: KindInvalid, Message: message}
}

func TooLarge(message string) *Error {
	return &Error{Kind: KindTooLarge, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Upstream(message, details string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Details: details, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// From extracts an *Error from err, wrapping anything else as internal.
func From(err error, fallback string) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(fallback, err)
}

func (k Kind) Status() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTooLarge:
		return "too_large"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}
