package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"

	apperrors "github.com/nijaru/scribe/errors"
)

func TestHandleError(t *testing.T) {
	rr := httptest.NewRecorder()
	HandleError(rr, "Test error", http.StatusBadRequest)

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}

	expected := `{"error":"Test error"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"conflict", apperrors.Conflict("op", nil, "already running"), http.StatusConflict, `{"error":"already running"}`},
		{"wrapped not found", errors.Wrap(apperrors.NotFound("op", nil, "file not found"), "download"), http.StatusNotFound, `{"error":"file not found"}`},
		{"plain error hides details", errors.New("disk on fire"), http.StatusInternalServerError, `{"error":"Internal server error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondWithError(rr, tt.err)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := strings.TrimSpace(rr.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestFormatText(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"This is a test. This is only a test!", "This is a test.\n This is only a test!\n"},
		{"  你好。再见！ ", "你好。\n再见！\n"},
		{"no terminator", "no terminator"},
	}
	for _, tt := range tests {
		if got := FormatText(tt.input); got != tt.want {
			t.Errorf("FormatText(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("字幕翻译", 2); got != "字幕..." {
		t.Errorf("Preview() = %q", got)
	}
	if got := Preview("short", 10); got != "short" {
		t.Errorf("Preview() = %q", got)
	}
}
