package subtitle

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nijaru/scribe/db"
	"github.com/nijaru/scribe/stability"
	"github.com/nijaru/scribe/translate"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

type fakeTranslator struct {
	mu    sync.Mutex
	texts []string
	fail  string
}

func (f *fakeTranslator) Translate(ctx context.Context, text string) (*translate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if text == f.fail {
		return nil, errors.New("quota exceeded")
	}
	return &translate.Result{TargetText: strings.ToUpper(text), Source: "en", Target: "zh", UsedAmount: len(text)}, nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved []db.Translation
}

func (f *fakeStore) AddTranslation(ctx context.Context, t *db.Translation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *t)
	return nil
}

func scripted(samples []string) (stability.Sampler, func() bool) {
	i := 0
	sampler := stability.SamplerFunc(func(context.Context) (string, error) {
		s := samples[i]
		i++
		return s, nil
	})
	return sampler, func() bool { return i >= len(samples) }
}

func newMonitor(t *testing.T) *stability.Monitor {
	t.Helper()
	m, err := stability.NewMonitor(stability.Config{StableDuration: 200 * time.Millisecond, CaptureInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return m.WithClock(&stepClock{now: time.Unix(0, 0)})
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestWatcherTranslatesEachStableSubtitleOnce(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "subtitles.txt")
	translator := &fakeTranslator{}
	store := &fakeStore{}
	var out bytes.Buffer

	var mu sync.Mutex
	var events []Event

	sampler, stop := scripted(append(append(repeat("hello", 5), repeat("", 3)...), repeat("good  bye", 5)...))
	w := NewWatcher(newMonitor(t), sampler, translator, Options{
		LogPath: logPath,
		Store:   store,
		Output:  &out,
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	if err := w.Run(context.Background(), stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(translator.texts) != 2 || translator.texts[0] != "hello" || translator.texts[1] != "good  bye" {
		t.Fatalf("unexpected translations: %v", translator.texts)
	}
	if len(events) != 2 || events[1].Result.TargetText != "GOOD  BYE" {
		t.Errorf("unexpected events: %+v", events)
	}
	if len(store.saved) != 2 || store.saved[0].Characters != 5 {
		t.Errorf("unexpected stored translations: %+v", store.saved)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "good bye\t=> GOOD BYE") {
		t.Errorf("unexpected subtitle log: %q", data)
	}
	if !strings.Contains(out.String(), "=> HELLO") {
		t.Errorf("expected translation on output, got %q", out.String())
	}
}

func TestWatcherTranslationErrorIsNotFatal(t *testing.T) {
	translator := &fakeTranslator{fail: "broken"}
	var out bytes.Buffer
	var got []Event

	sampler, stop := scripted(append(repeat("broken", 4), repeat("fine", 4)...))
	w := NewWatcher(newMonitor(t), sampler, translator, Options{
		Output:  &out,
		OnEvent: func(ev Event) { got = append(got, ev) },
	})

	if err := w.Run(context.Background(), stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 2 || got[0].Err == nil || got[1].Err != nil {
		t.Fatalf("unexpected events: %+v", got)
	}
	if !strings.Contains(out.String(), "translation failed") {
		t.Errorf("expected the failure to be displayed, got %q", out.String())
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sampler := stability.SamplerFunc(func(context.Context) (string, error) {
		calls++
		if calls == 5 {
			cancel()
		}
		return "text", nil
	})

	w := NewWatcher(newMonitor(t), sampler, &fakeTranslator{}, Options{})
	if err := w.Run(ctx, nil); err != nil {
		t.Fatalf("cancellation must be a clean exit, got %v", err)
	}
}
