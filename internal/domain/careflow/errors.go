package careflow

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound       = errors.New("patient workflow record not found")
	ErrAlreadyExists  = errors.New("patient workflow record already exists")
	ErrConflict       = errors.New("record changed since it was read")
	ErrUnreachable    = errors.New("authoritative store unreachable")
	ErrUnknownOutcome = errors.New("transition outcome unknown")
	ErrBadRequest     = errors.New("bad request")
)

// Error codes shared by the HTTP surface and the viewer client.
const (
	CodeWrongRole      = "wrong_role"
	CodeOutOfOrder     = "out_of_order"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeAlreadyExists  = "already_exists"
	CodeUnreachable    = "unreachable"
	CodeUnknownOutcome = "unknown_outcome"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

var codeTable = []struct {
	err    error
	code   string
	status int
}{
	{ErrWrongRole, CodeWrongRole, http.StatusForbidden},
	{ErrOutOfOrder, CodeOutOfOrder, http.StatusConflict},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrAlreadyExists, CodeAlreadyExists, http.StatusConflict},
	{ErrUnreachable, CodeUnreachable, http.StatusServiceUnavailable},
	{ErrUnknownOutcome, CodeUnknownOutcome, http.StatusGatewayTimeout},
	{ErrBadRequest, CodeBadRequest, http.StatusBadRequest},
	{ErrUnknownAction, CodeBadRequest, http.StatusBadRequest},
}

// ErrorCode returns the wire code and HTTP status for err.
func ErrorCode(err error) (string, int) {
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// ErrorFromCode rebuilds a domain error from a wire code so that remote
// callers handle failures the same way local ones do.
func ErrorFromCode(code, message string, alreadyApplied bool) error {
	switch code {
	case CodeWrongRole:
		return &Rejection{Reason: ReasonWrongRole}
	case CodeOutOfOrder:
		return &Rejection{Reason: ReasonOutOfOrder, AlreadyApplied: alreadyApplied}
	}
	for _, c := range codeTable {
		if c.code == code {
			return &remoteError{base: c.err, message: message}
		}
	}
	return errors.New(message)
}

type remoteError struct {
	base    error
	message string
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return e.base.Error()
	}
	return e.message
}

func (e *remoteError) Unwrap() error { return e.base }
