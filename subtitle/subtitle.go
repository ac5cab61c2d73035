// Package subtitle watches a screen region for subtitles that settle and
// translates each one once.
package subtitle

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/db"
	"github.com/nijaru/scribe/stability"
	"github.com/nijaru/scribe/translate"
	"github.com/nijaru/scribe/utils"
)

type Event struct {
	At     time.Time         `json:"at"`
	Text   string            `json:"text"`
	Result *translate.Result `json:"result,omitempty"`
	Err    error             `json:"-"`
}

type TranslationStore interface {
	AddTranslation(ctx context.Context, t *db.Translation) error
}

type Options struct {
	// LogPath is the subtitle log appended to after each translation.
	// Empty disables it.
	LogPath   string
	QueueSize int
	Store     TranslationStore
	Output    io.Writer
	OnEvent   func(Event)
}

// Watcher runs the stability monitor on the calling goroutine and
// translates settled text on a second goroutine. The two only share the
// queue.
type Watcher struct {
	monitor    *stability.Monitor
	sampler    stability.Sampler
	translator translate.Translator
	opts       Options

	mu  sync.Mutex
	log *os.File
}

func NewWatcher(monitor *stability.Monitor, sampler stability.Sampler, translator translate.Translator, opts Options) *Watcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	return &Watcher{monitor: monitor, sampler: sampler, translator: translator, opts: opts}
}

// Run blocks until ctx is done or stop returns true. Cancellation is a
// normal exit.
func (w *Watcher) Run(ctx context.Context, stop func() bool) error {
	if w.opts.LogPath != "" {
		f, err := os.OpenFile(w.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.log = f
		defer func() {
			w.mu.Lock()
			w.log.Close()
			w.log = nil
			w.mu.Unlock()
		}()
	}

	queue := make(chan string, w.opts.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(ctx, queue)
	}()

	err := w.monitor.Run(ctx, w.sampler, func(text string) {
		select {
		case queue <- text:
		default:
			logrus.WithField("text", utils.Preview(text, 40)).Warn("Translation queue full, dropping subtitle")
		}
	}, stop)

	close(queue)
	wg.Wait()

	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) consume(ctx context.Context, queue <-chan string) {
	for text := range queue {
		if ctx.Err() != nil {
			continue
		}
		fmt.Fprintf(w.opts.Output, "\n[%s] %s\n", time.Now().Format("15:04:05"), text)

		ev := Event{At: time.Now(), Text: text}
		res, err := w.translator.Translate(ctx, text)
		if err != nil {
			ev.Err = err
			logrus.WithError(err).Warn("Translation failed")
			fmt.Fprintf(w.opts.Output, "  translation failed: %v\n", err)
		} else {
			ev.Result = res
			fmt.Fprintf(w.opts.Output, "  => %s\n", res.TargetText)
			w.record(ctx, ev)
		}

		if w.opts.OnEvent != nil {
			w.opts.OnEvent(ev)
		}
	}
}

func (w *Watcher) record(ctx context.Context, ev Event) {
	w.mu.Lock()
	if w.log != nil {
		line := fmt.Sprintf("[%s] %s\t=> %s\n", ev.At.Format("2006-01-02 15:04:05"), oneLine(ev.Text), oneLine(ev.Result.TargetText))
		if _, err := w.log.WriteString(line); err != nil {
			logrus.WithError(err).Error("Failed to write subtitle log")
		}
	}
	w.mu.Unlock()

	if w.opts.Store != nil {
		err := w.opts.Store.AddTranslation(ctx, &db.Translation{
			SourceText: ev.Text,
			TargetText: ev.Result.TargetText,
			SourceLang: ev.Result.Source,
			TargetLang: ev.Result.Target,
			Characters: ev.Result.UsedAmount,
			CreatedAt:  ev.At,
		})
		if err != nil {
			logrus.WithError(err).Error("Failed to store translation")
		}
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
