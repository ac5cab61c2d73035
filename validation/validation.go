package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var ValidModels = []string{"tiny", "base", "small", "medium", "large", "turbo"}

// MediaExtensions are the file extensions treated as transcribable media.
var MediaExtensions = []string{
	".mp3", ".wav", ".m4a", ".flac", ".ogg", ".webm", ".aac", ".wma",
	".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".ts", ".m4v",
}

var (
	languagePattern    = regexp.MustCompile(`^(auto|[a-z]{2,3}(-[A-Za-z]{2,4})?)$`)
	ocrLanguagePattern = regexp.MustCompile(`^[a-z_]+(\+[a-z_]+)*$`)
	sessionFilePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.txt$`)
)

func ValidateModel(name string) error {
	for _, m := range ValidModels {
		if name == m {
			return nil
		}
	}
	return newError("model", "unsupported model %q (expected one of %s)", name, strings.Join(ValidModels, ", "))
}

// ValidateLanguage accepts "auto" or a short language code such as "zh",
// "en" or "zh-TW".
func ValidateLanguage(lang string) error {
	if !languagePattern.MatchString(lang) {
		return newError("language", "invalid language code %q", lang)
	}
	return nil
}

// ValidateOCRLanguage accepts tesseract language specs such as "eng" or
// "chi_sim+eng".
func ValidateOCRLanguage(lang string) error {
	if !ocrLanguagePattern.MatchString(lang) {
		return newError("ocr_language", "invalid tesseract language %q", lang)
	}
	return nil
}

func IsMedia(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range MediaExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ValidateSource checks that path names an existing regular file.
func ValidateSource(path string) error {
	if strings.TrimSpace(path) == "" {
		return newError("source", "source file is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newError("source", "file does not exist: %s", path)
		}
		return newError("source", "cannot stat %s: %v", path, err)
	}
	if info.IsDir() {
		return newError("source", "%s is a directory", path)
	}
	return nil
}

// ValidateDirectory checks that path names an existing directory.
func ValidateDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newError("directory", "directory does not exist: %s", path)
		}
		return newError("directory", "cannot stat %s: %v", path, err)
	}
	if !info.IsDir() {
		return newError("directory", "%s is not a directory", path)
	}
	return nil
}

// ValidateFilename accepts a bare session file name. Anything that could
// escape the output directory is rejected.
func ValidateFilename(name string) error {
	if name == "" {
		return newError("filename", "filename is required")
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return newError("filename", "invalid filename %q", name)
	}
	if !sessionFilePattern.MatchString(name) {
		return newError("filename", "invalid filename %q", name)
	}
	return nil
}

// ValidateAudioSource checks a capture device name passed to the recorder.
func ValidateAudioSource(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return newError("source", "audio source is required")
	}
	if len(source) > 256 {
		return newError("source", "audio source name is too long")
	}
	if strings.ContainsAny(source, "\r\n\x00") {
		return newError("source", "audio source contains control characters")
	}
	if strings.HasPrefix(source, "-") {
		return newError("source", "audio source must not start with '-'")
	}
	return nil
}
