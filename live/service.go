// Package live records an audio device in fixed-length chunks, transcribes
// each chunk and streams the text to subscribers while appending it to a
// per-session transcript file.
package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/db"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/transcription"
	"github.com/nijaru/scribe/validation"
)

const DefaultSource = "default"

// Settings are the knobs a client may change between sessions.
type Settings struct {
	Model              string  `json:"model_name"`
	Language           string  `json:"language"`
	SampleRate         int     `json:"sample_rate"`
	TranscribeInterval float64 `json:"transcribe_interval"` // seconds
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Model:              cfg.Recognizer.Model,
		Language:           cfg.Recognizer.Language,
		SampleRate:         cfg.Live.SampleRate,
		TranscribeInterval: cfg.Live.TranscribeInterval.Seconds(),
	}
}

func (s Settings) Interval() time.Duration {
	return time.Duration(s.TranscribeInterval * float64(time.Second))
}

func (s Settings) Validate() error {
	if err := validation.ValidateModel(s.Model); err != nil {
		return err
	}
	if err := validation.ValidateLanguage(s.Language); err != nil {
		return err
	}
	if s.SampleRate < 8000 || s.SampleRate > 48000 {
		return &validation.ValidationError{Field: "sample_rate", Message: "sample rate must be between 8000 and 48000"}
	}
	if s.TranscribeInterval <= 0 || s.TranscribeInterval > 60 {
		return &validation.ValidationError{Field: "transcribe_interval", Message: "interval must be within (0, 60] seconds"}
	}
	return nil
}

// SettingsUpdate carries a partial settings change; nil fields are kept.
type SettingsUpdate struct {
	Model              *string  `json:"model_name"`
	Language           *string  `json:"language"`
	SampleRate         *int     `json:"sample_rate"`
	TranscribeInterval *float64 `json:"transcribe_interval"`
}

func (u SettingsUpdate) apply(s Settings) Settings {
	if u.Model != nil {
		s.Model = *u.Model
	}
	if u.Language != nil {
		s.Language = *u.Language
	}
	if u.SampleRate != nil {
		s.SampleRate = *u.SampleRate
	}
	if u.TranscribeInterval != nil {
		s.TranscribeInterval = *u.TranscribeInterval
	}
	return s
}

type SessionInfo struct {
	ID        string     `json:"id"`
	Filename  string     `json:"filename"`
	Source    string     `json:"source"`
	StartedAt time.Time  `json:"start_time"`
	EndedAt   *time.Time `json:"end_time,omitempty"`
	Entries   int        `json:"total_entries"`
}

type Status struct {
	Running bool         `json:"is_running"`
	Session *SessionInfo `json:"current_session"`
	Config  Settings     `json:"config"`
}

// SessionFile describes a transcript file on disk.
type SessionFile struct {
	Filename string    `json:"filename"`
	Created  time.Time `json:"created"`
	Size     int64     `json:"size"`
	Entries  int       `json:"entries"`
	ID       string    `json:"id,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// SessionStore indexes sessions and their entries.
type SessionStore interface {
	CreateSession(ctx context.Context, session *db.LiveSession) error
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	AddEntries(ctx context.Context, entries ...db.Entry) error
	ListSessions(ctx context.Context) ([]db.LiveSession, error)
}

type Options struct {
	OutputDir string
	// ChunkDir holds the temporary audio chunks. Defaults to os.TempDir().
	ChunkDir string
	Store    SessionStore
	Hub      *Hub
	Now      func() time.Time
}

type Service struct {
	recognizer transcription.Recognizer
	recorder   Recorder
	store      SessionStore
	hub        *Hub
	now        func() time.Time
	outputDir  string
	chunkDir   string

	mu       sync.Mutex
	settings Settings
	active   *activeSession
}

type activeSession struct {
	mu         sync.Mutex
	info       SessionInfo
	transcript *transcript
	cancel     context.CancelFunc
	done       chan struct{}
	stopping   bool
}

func (a *activeSession) snapshot() *SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := a.info
	return &info
}

func NewService(recognizer transcription.Recognizer, recorder Recorder, settings Settings, opts Options) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperrors.Invalid("live.NewService", err, err.Error())
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "recordings"
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		recognizer: recognizer,
		recorder:   recorder,
		store:      opts.Store,
		hub:        opts.Hub,
		now:        opts.Now,
		outputDir:  opts.OutputDir,
		chunkDir:   opts.ChunkDir,
		settings:   settings,
	}, nil
}

func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.hub.Subscribe()
}

// Start opens a new session on source and starts the worker.
func (s *Service) Start(source string) (*SessionInfo, error) {
	const op = "live.Start"

	source = strings.TrimSpace(source)
	if source == "" {
		source = DefaultSource
	}
	if err := validation.ValidateAudioSource(source); err != nil {
		return nil, apperrors.Invalid(op, err, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, apperrors.Conflict(op, nil, "transcription already running")
	}

	started := s.now()
	t, err := createTranscript(s.outputDir, started)
	if err != nil {
		return nil, apperrors.Persist(op, err, "failed to create transcript file")
	}

	a := &activeSession{
		info: SessionInfo{
			ID:        uuid.New().String(),
			Filename:  t.Name(),
			Source:    source,
			StartedAt: started,
		},
		transcript: t,
		done:       make(chan struct{}),
	}

	if s.store != nil {
		err := s.store.CreateSession(context.Background(), &db.LiveSession{
			ID:        a.info.ID,
			Filename:  a.info.Filename,
			Source:    source,
			Model:     s.settings.Model,
			Language:  s.settings.Language,
			StartedAt: started,
		})
		if err != nil {
			logrus.WithError(err).WithField("session", a.info.ID).Warn("Failed to index session")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	s.active = a
	go s.work(ctx, a, s.settings)

	logrus.WithFields(logrus.Fields{
		"session": a.info.ID,
		"file":    a.info.Filename,
		"source":  source,
	}).Info("Live transcription started")
	s.hub.Publish(Event{Type: EventStatus, Message: "started", Timestamp: started})

	return a.snapshot(), nil
}

// Stop ends the running session and waits for the worker to exit.
func (s *Service) Stop(ctx context.Context) (*SessionInfo, error) {
	const op = "live.Stop"

	s.mu.Lock()
	a := s.active
	if a == nil || a.stopping {
		s.mu.Unlock()
		return nil, apperrors.Conflict(op, nil, "transcription not running")
	}
	a.stopping = true
	s.mu.Unlock()

	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, apperrors.Unavailable(op, ctx.Err(), "worker did not stop in time")
	}
	return a.snapshot(), nil
}

// finish runs once the worker has exited, whatever the reason.
func (s *Service) finish(a *activeSession) {
	ended := s.now()
	a.mu.Lock()
	a.info.EndedAt = &ended
	a.mu.Unlock()

	s.mu.Lock()
	if s.active == a {
		s.active = nil
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.EndSession(context.Background(), a.info.ID, ended); err != nil {
			logrus.WithError(err).WithField("session", a.info.ID).Warn("Failed to close session index")
		}
	}

	info := a.snapshot()
	logrus.WithFields(logrus.Fields{
		"session": info.ID,
		"entries": info.Entries,
	}).Info("Live transcription stopped")
	s.hub.Publish(Event{Type: EventStatus, Message: "stopped", Timestamp: ended})
}

// Close stops a running session, if any.
func (s *Service) Close(ctx context.Context) error {
	if _, err := s.Stop(ctx); err != nil && !apperrors.IsConflict(err) {
		return err
	}
	return nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Config: s.settings}
	if s.active != nil {
		st.Running = true
		st.Session = s.active.snapshot()
	}
	return st
}

func (s *Service) Config() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateConfig applies u. Changes are rejected while a session runs.
func (s *Service) UpdateConfig(u SettingsUpdate) (Settings, error) {
	const op = "live.UpdateConfig"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.settings, apperrors.Conflict(op, nil, "cannot change configuration while running")
	}
	next := u.apply(s.settings)
	if err := next.Validate(); err != nil {
		return s.settings, apperrors.Invalid(op, err, err.Error())
	}
	s.settings = next
	return next, nil
}

// Sessions lists the transcript files in the output directory, newest first.
func (s *Service) Sessions(ctx context.Context) ([]SessionFile, error) {
	const op = "live.Sessions"

	paths, err := filepath.Glob(filepath.Join(s.outputDir, transcriptPrefix+"*.txt"))
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to list transcripts")
	}

	indexed := map[string]db.LiveSession{}
	if s.store != nil {
		sessions, err := s.store.ListSessions(ctx)
		if err != nil {
			logrus.WithError(err).Warn("Failed to read session index")
		}
		for _, session := range sessions {
			indexed[session.Filename] = session
		}
	}

	files := make([]SessionFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		name := filepath.Base(path)
		f := SessionFile{
			Filename: name,
			Created:  createdAt(name, info.ModTime()),
			Size:     info.Size(),
			Entries:  countEntries(path),
		}
		if session, ok := indexed[name]; ok {
			f.ID = session.ID
			f.Source = session.Source
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Created.Equal(files[j].Created) {
			return files[i].Filename > files[j].Filename
		}
		return files[i].Created.After(files[j].Created)
	})
	return files, nil
}

// SessionPath resolves a transcript file name inside the output directory.
func (s *Service) SessionPath(filename string) (string, error) {
	const op = "live.SessionPath"

	if err := validation.ValidateFilename(filename); err != nil {
		return "", apperrors.Invalid(op, err, err.Error())
	}
	path := filepath.Join(s.outputDir, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", apperrors.NotFound(op, err, "file not found")
	}
	return path, nil
}

func createdAt(name string, fallback time.Time) time.Time {
	const layout = "20060102_150405"
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, transcriptPrefix), ".txt")
	if len(stamp) > len(layout) {
		stamp = stamp[:len(layout)]
	}
	if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
		return t
	}
	return fallback
}

func (s *Service) work(ctx context.Context, a *activeSession, settings Settings) {
	defer close(a.done)
	defer s.finish(a)

	dir, err := os.MkdirTemp(s.chunkDir, "scribe-live-*")
	if err != nil {
		s.fail(a, err)
		return
	}
	defer os.RemoveAll(dir)

	opts := transcription.Options{Model: settings.Model, Language: settings.Language}
	interval := settings.Interval()

	for i := 0; ctx.Err() == nil; i++ {
		path := filepath.Join(dir, fmt.Sprintf("chunk-%05d.wav", i))

		err := s.recorder.Record(ctx, Capture{
			Source:     a.info.Source,
			Path:       path,
			Duration:   interval,
			SampleRate: settings.SampleRate,
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(a, err)
			sleep(ctx, interval)
			continue
		}

		res, err := s.recognizer.Recognize(ctx, path, opts)
		os.Remove(path)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(a, err)
			continue
		}

		text := strings.TrimSpace(res.Text())
		if text == "" {
			continue
		}
		language := res.Language
		if language == "" {
			language = "unknown"
		}
		s.record(ctx, a, language, text)
	}
}

func (s *Service) record(ctx context.Context, a *activeSession, language, text string) {
	at := s.now()
	if err := a.transcript.append(at, language, text); err != nil {
		s.fail(a, err)
		return
	}

	a.mu.Lock()
	a.info.Entries++
	a.mu.Unlock()

	s.hub.Publish(Event{Type: EventTranscription, Text: text, Language: language, Timestamp: at})

	if s.store != nil {
		entry := db.Entry{SessionID: a.info.ID, RecordedAt: at, Language: language, Text: text}
		if err := s.store.AddEntries(context.WithoutCancel(ctx), entry); err != nil {
			logrus.WithError(err).WithField("session", a.info.ID).Warn("Failed to index entry")
		}
	}
}

func (s *Service) fail(a *activeSession, err error) {
	logrus.WithError(err).WithField("session", a.info.ID).Error("Live transcription error")
	s.hub.Publish(Event{Type: EventError, Message: err.Error(), Timestamp: s.now()})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
