package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Dir    string
	File   string
	Level  string
	Format string // "text" or "json"
}

// Setup points the standard logrus logger at stdout and a rotated log file.
// An empty Dir logs to stdout only. The returned closer releases the file.
func Setup(cfg Config) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Dir == "" {
		logrus.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	file := cfg.File
	if file == "" {
		file = "scribe.log"
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, file),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return logFile, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
