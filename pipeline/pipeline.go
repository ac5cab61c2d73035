// Package pipeline runs one incremental capture pass: recognize a source,
// drop what the ledger already holds, append the rest and record the run.
package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/db"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/ledger"
	"github.com/nijaru/scribe/transcription"
)

var ledgerLocks sync.Map

// lockLedger serializes runs that write the same ledger within a process.
func lockLedger(path string) func() {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	v, _ := ledgerLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type RunStore interface {
	StartRun(ctx context.Context, run *db.Run) error
	FinishRun(ctx context.Context, run *db.Run) error
}

type Archiver interface {
	Upload(ctx context.Context, path string) (string, error)
	Restore(ctx context.Context, path string) error
}

// DefaultLedgerPath places the ledger next to the source, named after it.
func DefaultLedgerPath(source string, schema ledger.Schema) string {
	suffix := "_transcript.csv"
	if schema == ledger.Diarized {
		suffix = "_diarize.csv"
	}
	ext := filepath.Ext(source)
	return strings.TrimSuffix(source, ext) + suffix
}

type Report struct {
	RunID        string               `json:"run_id,omitempty"`
	Source       string               `json:"source"`
	Ledger       string               `json:"ledger"`
	Language     string               `json:"language"`
	Resumed      bool                 `json:"resumed"`
	CursorBefore float64              `json:"cursor_before"`
	CursorAfter  float64              `json:"cursor_after"`
	Total        int                  `json:"total"`
	Written      int                  `json:"written"`
	Skipped      int                  `json:"skipped"`
	ArchiveKey   string               `json:"archive_key,omitempty"`
	Latest       []ledger.Observation `json:"latest,omitempty"`
}

type Option func(*Session)

// WithStore records every run in store.
func WithStore(store RunStore) Option {
	return func(s *Session) { s.store = store }
}

// WithArchiver uploads the ledger after each run that wrote rows. When
// restore is set, a missing local ledger is first fetched from the archive.
func WithArchiver(a Archiver, restore bool) Option {
	return func(s *Session) {
		s.archiver = a
		s.restore = restore
	}
}

// Session owns the collaborators of a capture pass. It replaces any process
// wide state; create one per configuration.
type Session struct {
	recognizer transcription.Recognizer
	opts       transcription.Options
	schema     ledger.Schema

	store    RunStore
	archiver Archiver
	restore  bool
}

func NewSession(recognizer transcription.Recognizer, opts transcription.Options, options ...Option) *Session {
	s := &Session{
		recognizer: recognizer,
		opts:       opts,
		schema:     ledger.Basic,
	}
	if opts.Diarize {
		s.schema = ledger.Diarized
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Session) Schema() ledger.Schema { return s.schema }

// Run processes source into the ledger at ledgerPath. An empty ledgerPath
// uses DefaultLedgerPath. Running again over the same source only appends
// observations that end after the ledger's last row.
func (s *Session) Run(ctx context.Context, source, ledgerPath string) (*Report, error) {
	const op = "pipeline.Run"

	if ledgerPath == "" {
		ledgerPath = DefaultLedgerPath(source, s.schema)
	}
	unlock := lockLedger(ledgerPath)
	defer unlock()

	log := logrus.WithFields(logrus.Fields{
		"source": source,
		"ledger": ledgerPath,
	})

	l := ledger.New(ledgerPath, s.schema)
	if s.archiver != nil && s.restore && !l.Exists() {
		if err := s.archiver.Restore(ctx, ledgerPath); err != nil && !apperrors.IsNotFound(err) {
			log.WithError(err).Warn("Failed to restore archived ledger, starting locally")
		}
	}

	cursor := l.Cursor()
	report := &Report{Source: source, Ledger: ledgerPath, CursorBefore: cursor, CursorAfter: cursor, Resumed: cursor > 0}
	if report.Resumed {
		log.WithField("cursor", ledger.FormatTimestamp(cursor)).Info("Resuming from existing ledger")
	} else {
		log.Info("Starting new ledger")
	}

	run := &db.Run{
		Source:       source,
		Ledger:       ledgerPath,
		Schema:       s.schema.String(),
		Model:        s.opts.Model,
		CursorBefore: cursor,
	}
	if s.store != nil {
		if err := s.store.StartRun(ctx, run); err != nil {
			return nil, err
		}
		report.RunID = run.ID
	}

	result, err := s.recognizer.Recognize(ctx, source, s.opts)
	if err != nil {
		s.fail(ctx, run, err)
		return nil, err
	}
	report.Language = result.Language

	res, err := l.Resume(result.Segments)
	if err != nil {
		s.fail(ctx, run, err)
		return nil, err
	}
	report.CursorBefore = res.CursorBefore
	report.CursorAfter = res.CursorAfter
	report.Total = res.Total
	report.Written = len(res.Written)
	report.Skipped = res.Skipped()
	report.Latest = latest(res.Written, 3)

	log.WithFields(logrus.Fields{
		"total":   report.Total,
		"written": report.Written,
		"skipped": report.Skipped,
		"cursor":  ledger.FormatTimestamp(report.CursorAfter),
	}).Info("Ledger updated")

	if s.archiver != nil && report.Written > 0 {
		key, err := s.archiver.Upload(ctx, ledgerPath)
		if err != nil {
			log.WithError(err).Warn("Failed to archive ledger")
		} else {
			report.ArchiveKey = key
		}
	}

	if s.store != nil {
		run.Status = db.RunCompleted
		run.CursorBefore = report.CursorBefore
		run.CursorAfter = report.CursorAfter
		run.Total = report.Total
		run.Written = report.Written
		run.ArchiveKey = report.ArchiveKey
		if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			return report, apperrors.Persist(op, err, "ledger updated but run could not be recorded")
		}
	}
	return report, nil
}

func (s *Session) fail(ctx context.Context, run *db.Run, cause error) {
	if s.store == nil || run.ID == "" {
		return
	}
	run.Status = db.RunFailed
	run.Error = cause.Error()
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logrus.WithError(err).WithField("run", run.ID).Error("Failed to record failed run")
	}
}

func latest(obs []ledger.Observation, n int) []ledger.Observation {
	if len(obs) <= n {
		return obs
	}
	return obs[len(obs)-n:]
}
