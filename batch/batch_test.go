package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nijaru/scribe/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	ledgers []string
	fail    map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, source, ledgerPath string) (*pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, source)
	f.ledgers = append(f.ledgers, ledgerPath)
	if f.fail[filepath.Base(source)] {
		return nil, errors.New("recognizer crashed")
	}
	return &pipeline.Report{Source: source, Ledger: ledgerPath, Written: 2}, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLedgerPath(t *testing.T) {
	tests := []struct {
		media string
		want  string
	}{
		{"talk.mp3", "talk.csv"},
		{filepath.Join("a", "b.c.MP4"), filepath.Join("a", "b.c.csv")},
		{"noext", "noext.csv"},
	}
	for _, tt := range tests {
		if got := LedgerPath(tt.media); got != tt.want {
			t.Errorf("LedgerPath(%q) = %q, want %q", tt.media, got, tt.want)
		}
	}
}

func TestFindMedia(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mp3", "a.WAV", "notes.txt", "a.csv", filepath.Join("sub", "c.mkv")} {
		touch(t, filepath.Join(dir, name))
	}

	flat, err := FindMedia(dir, false)
	if err != nil {
		t.Fatalf("FindMedia() error = %v", err)
	}
	want := []string{filepath.Join(dir, "a.WAV"), filepath.Join(dir, "b.mp3")}
	if !reflect.DeepEqual(flat, want) {
		t.Errorf("FindMedia(flat) = %v, want %v", flat, want)
	}

	deep, err := FindMedia(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(deep) != 3 || deep[2] != filepath.Join(dir, "sub", "c.mkv") {
		t.Errorf("FindMedia(recursive) = %v", deep)
	}

	if _, err := FindMedia(filepath.Join(dir, "missing"), false); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRunSummary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		touch(t, filepath.Join(dir, name))
	}
	// b already has a ledger
	touch(t, filepath.Join(dir, "b.csv"))

	runner := &fakeRunner{fail: map[string]bool{"c.mp3": true}}
	summary, err := New(runner, Options{SkipExisting: true}).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !reflect.DeepEqual(summary.Succeeded, []string{filepath.Join(dir, "a.mp3")}) {
		t.Errorf("unexpected succeeded: %v", summary.Succeeded)
	}
	if !reflect.DeepEqual(summary.Skipped, []string{filepath.Join(dir, "b.mp3")}) {
		t.Errorf("unexpected skipped: %v", summary.Skipped)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Source != filepath.Join(dir, "c.mp3") {
		t.Errorf("unexpected failed: %v", summary.Failed)
	}
	if summary.Total() != 3 || summary.Written != 2 {
		t.Errorf("unexpected totals: %+v", summary)
	}
	if runner.ledgers[0] != filepath.Join(dir, "a.csv") {
		t.Errorf("unexpected ledger path %s", runner.ledgers[0])
	}
}

func TestRunWithoutSkipProcessesEverything(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.mp3"))
	touch(t, filepath.Join(dir, "a.csv"))

	runner := &fakeRunner{}
	summary, err := New(runner, Options{}).Run(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Succeeded) != 1 || len(summary.Skipped) != 0 {
		t.Errorf("existing ledgers are resumed unless skipping: %+v", summary)
	}
}

func TestRunReportsSharedLedger(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"talk.mp3", "talk.wav", "other.mp3"} {
		touch(t, filepath.Join(dir, name))
	}

	runner := &fakeRunner{}
	summary, err := New(runner, Options{}).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantCalls := []string{filepath.Join(dir, "other.mp3"), filepath.Join(dir, "talk.mp3")}
	if !reflect.DeepEqual(runner.calls, wantCalls) {
		t.Errorf("runner calls = %v, want %v", runner.calls, wantCalls)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Source != filepath.Join(dir, "talk.wav") {
		t.Fatalf("unexpected failed: %v", summary.Failed)
	}
	if !strings.Contains(summary.Failed[0].Error, "talk.mp3") {
		t.Errorf("failure should name the owning file, got %q", summary.Failed[0].Error)
	}

	if owner, err := ledgerSibling(filepath.Join(dir, "talk.wav")); err != nil || owner != filepath.Join(dir, "talk.mp3") {
		t.Errorf("ledgerSibling() = %q, %v", owner, err)
	}
	if owner, _ := ledgerSibling(filepath.Join(dir, "other.mp3")); owner != "" {
		t.Errorf("unexpected sibling %q", owner)
	}
}

func TestProcessStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{}
	summary, err := New(runner, Options{}).Process(ctx, []string{"a.mp3", "b.mp3"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runner.calls) != 0 || summary.Total() != 0 {
		t.Errorf("nothing should run after cancel, got %v", runner.calls)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{}
	done := make(chan string, 4)
	b := New(runner, Options{Debounce: 50 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		errc <- b.Watch(ctx, dir, func(source string, report *pipeline.Report, err error) {
			if err == nil {
				done <- source
			}
		})
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "new.mp3"))

	select {
	case source := <-done:
		if source != filepath.Join(dir, "new.mp3") {
			t.Errorf("unexpected source %s", source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the new file to be processed")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, c := range runner.calls {
		if filepath.Ext(c) != ".mp3" {
			t.Errorf("non-media file processed: %s", c)
		}
	}
}
