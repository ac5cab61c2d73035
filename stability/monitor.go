package stability

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sampler produces the current content of the watched source.
type Sampler interface {
	Sample(ctx context.Context) (string, error)
}

type SamplerFunc func(ctx context.Context) (string, error)

func (f SamplerFunc) Sample(ctx context.Context) (string, error) { return f(ctx) }

// Clock abstracts time for the polling loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Monitor polls a sampler at the capture interval and feeds a Detector.
type Monitor struct {
	detector *Detector
	interval time.Duration
	clock    Clock
}

func NewMonitor(cfg Config) (*Monitor, error) {
	d, err := NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &Monitor{detector: d, interval: cfg.CaptureInterval, clock: realClock{}}, nil
}

// WithClock replaces the wall clock, mainly for tests.
func (m *Monitor) WithClock(c Clock) *Monitor {
	m.clock = c
	return m
}

// Run samples until stop returns true or ctx is done. The callback runs on
// the calling goroutine; hand results to other goroutines through a channel.
// A sampling error counts as blank content for that tick. A nil stop never
// stops the loop on its own.
func (m *Monitor) Run(ctx context.Context, sampler Sampler, callback func(text string), stop func() bool) error {
	for {
		if stop != nil && stop() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		text, err := sampler.Sample(ctx)
		if err != nil {
			logrus.WithError(err).Debug("Sample failed, treating as empty")
			text = ""
		}

		if m.detector.Observe(text, m.clock.Now()) {
			logrus.WithFields(logrus.Fields{
				"fingerprint": m.detector.Fingerprint(),
				"length":      len(text),
			}).Debug("Content stable")
			callback(text)
		}

		if err := m.clock.Sleep(ctx, m.interval); err != nil {
			return err
		}
	}
}
