package errors

import (
	"fmt"
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestErrorString(t *testing.T) {
	err := Invalid("ledger.Append", nil, "rows out of order")
	if err.Error() != "ledger.Append: rows out of order" {
		t.Errorf("unexpected error string: %q", err.Error())
	}

	cause := fmt.Errorf("disk full")
	err = Persist("ledger.Append", cause, "failed to write ledger")
	expected := "ledger.Append: failed to write ledger: disk full"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestKindHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		persist    bool
		notFound   bool
		conflict   bool
		invalid    bool
		statusCode int
	}{
		{
			name:       "persist error",
			err:        Persist("op", nil, "write failed"),
			persist:    true,
			statusCode: http.StatusInternalServerError,
		},
		{
			name:       "not found error",
			err:        NotFound("op", nil, "missing"),
			notFound:   true,
			statusCode: http.StatusNotFound,
		},
		{
			name:       "conflict error",
			err:        Conflict("op", nil, "already running"),
			conflict:   true,
			statusCode: http.StatusConflict,
		},
		{
			name:       "wrapped invalid error",
			err:        pkgerrors.Wrap(Invalid("op", nil, "bad input"), "context"),
			invalid:    true,
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "plain error",
			err:        fmt.Errorf("standard error"),
			statusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPersist(tt.err); got != tt.persist {
				t.Errorf("IsPersist() = %v, want %v", got, tt.persist)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsInvalid(tt.err); got != tt.invalid {
				t.Errorf("IsInvalid() = %v, want %v", got, tt.invalid)
			}
			if got := StatusCode(tt.err); got != tt.statusCode {
				t.Errorf("StatusCode() = %d, want %d", got, tt.statusCode)
			}
		})
	}
}

func TestMessageHidesInternals(t *testing.T) {
	if got := Message(fmt.Errorf("sql: connection refused")); got != "Internal server error" {
		t.Errorf("expected generic message, got %q", got)
	}
	if got := Message(Conflict("op", nil, "session already running")); got != "session already running" {
		t.Errorf("expected conflict message, got %q", got)
	}
}

func TestNilIsNothing(t *testing.T) {
	if IsPersist(nil) || IsInvalid(nil) || IsNotFound(nil) || IsConflict(nil) {
		t.Error("nil error must not match any kind")
	}
}
