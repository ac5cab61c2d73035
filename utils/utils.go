package utils

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	apperrors "github.com/nijaru/scribe/errors"
)

func HandleError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// RespondWithError maps err to its HTTP status and caller-facing message.
func RespondWithError(w http.ResponseWriter, err error) {
	code := apperrors.StatusCode(err)

	entry := logrus.WithFields(logrus.Fields{
		"status_code": code,
		"error":       err.Error(),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	HandleError(w, apperrors.Message(err), code)
}

func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}

// FormatText puts each sentence on its own line. Both Latin and CJK
// sentence terminators end a sentence.
func FormatText(text string) string {
	text = strings.TrimSpace(text)
	var builder strings.Builder
	for _, char := range text {
		builder.WriteRune(char)
		switch char {
		case '.', '!', '?', '。', '！', '？':
			builder.WriteRune('\n')
		}
	}
	return builder.String()
}

// Preview shortens s to at most n runes for log fields.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
