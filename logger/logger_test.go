package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	closer, err := Setup(Config{Dir: dir, Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() {
		closer.Close()
		logrus.SetOutput(os.Stderr)
	}()

	logrus.WithField("component", "test").Info("hello")

	info, err := os.Stat(filepath.Join(dir, "scribe.log"))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected log file to have content")
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %s", logrus.GetLevel())
	}
}

func TestSetupInvalidLevel(t *testing.T) {
	if _, err := Setup(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}
