package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindPersist
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPersist:
		return "persist"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error carries the failing operation and a caller-facing message alongside
// the underlying cause.
type Error struct {
	Op      string `json:"-"`
	Kind    Kind   `json:"-"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps the error kind onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func E(op string, kind Kind, err error, message string) *Error {
	return &Error{
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func Invalid(op string, err error, message string) *Error {
	return E(op, KindInvalid, err, message)
}

func NotFound(op string, err error, message string) *Error {
	return E(op, KindNotFound, err, message)
}

func Conflict(op string, err error, message string) *Error {
	return E(op, KindConflict, err, message)
}

// Persist marks a failed write to a ledger or store. Callers must abort the
// session rather than continue with a partial ledger.
func Persist(op string, err error, message string) *Error {
	return E(op, KindPersist, err, message)
}

func Unavailable(op string, err error, message string) *Error {
	return E(op, KindUnavailable, err, message)
}

func Internal(op string, err error, message string) *Error {
	return E(op, KindInternal, err, message)
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsInvalid(err error) bool {
	return err != nil && KindOf(err) == KindInvalid
}

func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

func IsPersist(err error) bool {
	return err != nil && KindOf(err) == KindPersist
}

// StatusCode returns the HTTP status for any error.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing message for err. Errors that are not
// *Error get a generic message so internals do not leak to clients.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "Internal server error"
}
