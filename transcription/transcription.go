package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/config"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/ledger"
	"github.com/nijaru/scribe/validation"
)

const simplifiedChinesePrompt = "以下是简体中文的转录内容："

type Options struct {
	Model           string
	Language        string
	ModelDir        string
	HFToken         string
	MinSpeakers     int
	MaxSpeakers     int
	ForceSimplified bool
	Diarize         bool
}

// OptionsFromConfig maps the recognizer section of the configuration.
func OptionsFromConfig(cfg config.RecognizerConfig) Options {
	return Options{
		Model:           cfg.Model,
		Language:        cfg.Language,
		ModelDir:        cfg.ModelDir,
		HFToken:         cfg.HFToken,
		MinSpeakers:     cfg.MinSpeakers,
		MaxSpeakers:     cfg.MaxSpeakers,
		ForceSimplified: cfg.ForceSimplified,
	}
}

func (o Options) Validate() error {
	if err := validation.ValidateModel(o.Model); err != nil {
		return err
	}
	if err := validation.ValidateLanguage(o.Language); err != nil {
		return err
	}
	if o.MinSpeakers < 0 || o.MaxSpeakers < 0 {
		return &validation.ValidationError{Field: "speakers", Message: "speaker counts must not be negative"}
	}
	if o.MaxSpeakers > 0 && o.MinSpeakers > o.MaxSpeakers {
		return &validation.ValidationError{Field: "speakers", Message: "min speakers exceeds max speakers"}
	}
	return nil
}

type Result struct {
	Language string               `json:"language"`
	Segments []ledger.Observation `json:"segments"`
}

// Text joins the segment texts with single spaces.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Recognizer turns a media file into timestamped observations.
type Recognizer interface {
	Recognize(ctx context.Context, source string, opts Options) (*Result, error)
}

type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	if backoff/2 > 0 {
		backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
	}
	return backoff
}

// Service runs the bundled recognition script with a Python interpreter.
type Service struct {
	PythonPath string
	ScriptPath string
	Timeout    time.Duration
	Retry      RetryPolicy

	ExecuteScriptFunc func(ctx context.Context, name string, args []string) ([]byte, error)
}

func NewService(cfg config.RecognizerConfig) *Service {
	return &Service{
		PythonPath:        cfg.PythonPath,
		ScriptPath:        cfg.ScriptPath,
		Timeout:           cfg.Timeout,
		Retry:             DefaultRetryPolicy,
		ExecuteScriptFunc: executeScript,
	}
}

func (s *Service) Recognize(ctx context.Context, source string, opts Options) (*Result, error) {
	const op = "transcription.Recognize"

	if err := validation.ValidateSource(source); err != nil {
		return nil, apperrors.Invalid(op, err, err.Error())
	}
	if err := opts.Validate(); err != nil {
		return nil, apperrors.Invalid(op, err, err.Error())
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	script := s.ScriptPath
	if script == "" {
		path, err := bundledScript()
		if err != nil {
			return nil, apperrors.Internal(op, err, "failed to prepare recognition script")
		}
		script = path
	}

	log := logrus.WithFields(logrus.Fields{
		"source":  source,
		"model":   opts.Model,
		"diarize": opts.Diarize,
	})
	log.Info("Starting recognition")

	output, err := s.executeWithRetry(ctx, append([]string{script}, buildArgs(source, opts)...))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Unavailable(op, err, "recognition cancelled")
		}
		return nil, apperrors.Unavailable(op, err, "recognition failed")
	}

	result, err := parseOutput(output, opts.Diarize)
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to parse recognition output")
	}

	log.WithFields(logrus.Fields{
		"language": result.Language,
		"segments": len(result.Segments),
	}).Info("Recognition completed")
	return result, nil
}

func (s *Service) executeWithRetry(ctx context.Context, args []string) ([]byte, error) {
	policy := s.Retry
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}

	var (
		output []byte
		err    error
	)

	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		output, err = s.ExecuteScriptFunc(ctx, s.PythonPath, args)
		if err == nil {
			return output, nil
		}

		logrus.WithFields(logrus.Fields{
			"attempt":    attempt,
			"maxRetries": policy.MaxRetries,
			"error":      err,
		}).Error("Recognition script failed")

		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-time.After(policy.backoff(attempt)):
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Error("Context cancelled during recognition")
			return nil, ctx.Err()
		}
	}

	return nil, errors.Wrapf(err, "recognition failed after %d attempts", policy.MaxRetries)
}

func buildArgs(source string, opts Options) []string {
	args := []string{"--source", source, "--model", opts.Model, "--language", opts.Language}
	if opts.ModelDir != "" {
		args = append(args, "--model_dir", opts.ModelDir)
	}
	if opts.Language == "zh" {
		args = append(args, "--initial_prompt", simplifiedChinesePrompt)
	}
	if opts.ForceSimplified {
		args = append(args, "--force_simplified")
	}
	if opts.Diarize {
		args = append(args, "--diarize")
		if opts.HFToken != "" {
			args = append(args, "--hf_token", opts.HFToken)
		}
		if opts.MinSpeakers > 0 {
			args = append(args, "--min_speakers", strconv.Itoa(opts.MinSpeakers))
		}
		if opts.MaxSpeakers > 0 {
			args = append(args, "--max_speakers", strconv.Itoa(opts.MaxSpeakers))
		}
	}
	return args
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func parseOutput(output []byte, diarize bool) (*Result, error) {
	raw := jsonObject.Find(output)
	if raw == nil {
		return nil, errors.Errorf("no JSON object in output: %q", preview(output))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "invalid JSON output")
	}

	for i := range result.Segments {
		seg := &result.Segments[i]
		seg.Text = strings.TrimSpace(seg.Text)
		if diarize && seg.Speaker == "" {
			seg.Speaker = ledger.UnknownSpeaker
		}
	}
	return &result, nil
}

func executeScript(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "error executing recognition script (stderr: %s)", preview(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func preview(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		return s[len(s)-500:]
	}
	return s
}
