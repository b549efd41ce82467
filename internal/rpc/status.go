package rpc

import (
	"context"
	"errors"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/auth"
	"github.com/radio-control/gapd/internal/bond"
)

// Status codes carried by responses.
const (
	CodeOK                = "OK"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadyInProgress = "ALREADY_IN_PROGRESS"
	CodeTimeout           = "TIMEOUT"
	CodeNotSupported      = "NOT_SUPPORTED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeBusy              = "BUSY"
	CodeUnavailable       = "UNAVAILABLE"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL"
)

var (
	// ErrBadRequest marks malformed params.
	ErrBadRequest = errors.New(CodeBadRequest)

	// ErrForbidden marks a request the session's role may not make.
	ErrForbidden = errors.New(CodeForbidden)
)

// Status is the outcome of a request.
type Status struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK returns the success status.
func OK() Status { return Status{Code: CodeOK} }

// IsOK reports whether s is a success.
func (s *Status) IsOK() bool { return s != nil && s.Code == CodeOK }

// StatusFromError maps an error to its status code. nil maps to OK.
func StatusFromError(err error) Status {
	if err == nil {
		return OK()
	}

	var code string
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, bond.ErrInvalidRecord):
		code = CodeBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, adapter.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, adapter.ErrAlreadyInProgress):
		code = CodeAlreadyInProgress
	case errors.Is(err, adapter.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, adapter.ErrNotSupported):
		code = CodeNotSupported
	case errors.Is(err, adapter.ErrBusy):
		code = CodeBusy
	case errors.Is(err, adapter.ErrUnavailable), errors.Is(err, adapter.ErrTransportFailure):
		code = CodeUnavailable
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	default:
		code = CodeInternal
	}
	return Status{Code: code, Message: err.Error()}
}
