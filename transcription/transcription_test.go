package transcription

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/ledger"
)

func testSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talk.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testService(exec func(ctx context.Context, name string, args []string) ([]byte, error)) *Service {
	return &Service{
		PythonPath: "python3",
		ScriptPath: "transcribe.py",
		Retry: RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			BackoffFactor:  2,
		},
		ExecuteScriptFunc: exec,
	}
}

func TestRecognize(t *testing.T) {
	source := testSource(t)
	var gotArgs []string

	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		gotArgs = args
		out := "loading model...\n" +
			`{"language": "zh", "segments": [{"start": 0, "end": 1.5, "text": "  你好 "}, {"start": 1.5, "end": 3, "text": "世界"}]}` + "\n"
		return []byte(out), nil
	})

	result, err := service.Recognize(context.Background(), source, Options{Model: "turbo", Language: "zh", ForceSimplified: true})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}

	want := []ledger.Observation{
		{Start: 0, End: 1.5, Text: "你好"},
		{Start: 1.5, End: 3, Text: "世界"},
	}
	if len(result.Segments) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(result.Segments))
	}
	for i := range want {
		if result.Segments[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, result.Segments[i], want[i])
		}
	}
	if result.Language != "zh" {
		t.Errorf("expected language zh, got %s", result.Language)
	}
	if result.Text() != "你好 世界" {
		t.Errorf("unexpected text %q", result.Text())
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"transcribe.py", "--source " + source, "--model turbo", "--initial_prompt", "--force_simplified"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--diarize") {
		t.Errorf("basic recognition must not request diarization: %q", joined)
	}
}

func TestRecognizeDiarized(t *testing.T) {
	source := testSource(t)
	var gotArgs []string

	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		gotArgs = args
		return []byte(`{"language": "en", "segments": [{"start": 0, "end": 1, "text": "hi", "speaker": "SPEAKER_01"}, {"start": 1, "end": 2, "text": "there"}]}`), nil
	})

	opts := Options{Model: "base", Language: "en", Diarize: true, HFToken: "hf_x", MinSpeakers: 2, MaxSpeakers: 2}
	result, err := service.Recognize(context.Background(), source, opts)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if result.Segments[0].Speaker != "SPEAKER_01" || result.Segments[1].Speaker != ledger.UnknownSpeaker {
		t.Errorf("unexpected speakers: %+v", result.Segments)
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"--diarize", "--hf_token hf_x", "--min_speakers 2", "--max_speakers 2"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--initial_prompt") {
		t.Errorf("english recognition must not carry the chinese prompt: %q", joined)
	}
}

func TestRecognizeRetries(t *testing.T) {
	source := testSource(t)
	calls := 0

	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("CUDA out of memory")
		}
		return []byte(`{"language": "en", "segments": []}`), nil
	})

	if _, err := service.Recognize(context.Background(), source, Options{Model: "base", Language: "auto"}); err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRecognizeGivesUp(t *testing.T) {
	source := testSource(t)
	calls := 0

	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		calls++
		return nil, errors.New("boom")
	})

	_, err := service.Recognize(context.Background(), source, Options{Model: "base", Language: "auto"})
	if apperrors.KindOf(err) != apperrors.KindUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRecognizeRejectsInput(t *testing.T) {
	source := testSource(t)
	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		t.Fatal("script must not run for invalid input")
		return nil, nil
	})

	tests := []struct {
		name   string
		source string
		opts   Options
	}{
		{"missing source", filepath.Join(t.TempDir(), "missing.wav"), Options{Model: "base", Language: "auto"}},
		{"unknown model", source, Options{Model: "huge", Language: "auto"}},
		{"bad language", source, Options{Model: "base", Language: "klingon"}},
		{"speaker range", source, Options{Model: "base", Language: "auto", MinSpeakers: 3, MaxSpeakers: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Recognize(context.Background(), tt.source, tt.opts)
			if !apperrors.IsInvalid(err) {
				t.Errorf("expected invalid error, got %v", err)
			}
		})
	}
}

func TestRecognizeBadOutput(t *testing.T) {
	source := testSource(t)
	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		return []byte("Traceback (most recent call last): ..."), nil
	})

	_, err := service.Recognize(context.Background(), source, Options{Model: "base", Language: "auto"})
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestRecognizeCancelled(t *testing.T) {
	source := testSource(t)
	ctx, cancel := context.WithCancel(context.Background())

	service := testService(func(ctx context.Context, name string, args []string) ([]byte, error) {
		cancel()
		return nil, errors.New("killed")
	})
	service.Retry.InitialBackoff = time.Hour
	service.Retry.MaxBackoff = time.Hour

	_, err := service.Recognize(ctx, source, Options{Model: "base", Language: "auto"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func TestBundledScript(t *testing.T) {
	path, err := bundledScript()
	if err != nil {
		t.Fatalf("bundledScript() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "def main()") {
		t.Error("bundled script content mismatch")
	}
}
