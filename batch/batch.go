package batch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/pipeline"
	"github.com/nijaru/scribe/validation"
)

// Runner processes one source into a ledger. *pipeline.Session implements
// it.
type Runner interface {
	Run(ctx context.Context, source, ledgerPath string) (*pipeline.Report, error)
}

type Options struct {
	Recursive    bool
	SkipExisting bool
	// Debounce is how long a new file must stay unchanged before Watch
	// processes it.
	Debounce time.Duration
}

type Failure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type Summary struct {
	Succeeded []string  `json:"succeeded"`
	Skipped   []string  `json:"skipped"`
	Failed    []Failure `json:"failed"`
	Written   int       `json:"written"`
	Elapsed   Duration  `json:"elapsed"`
}

type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).Round(time.Millisecond).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (s *Summary) Total() int {
	return len(s.Succeeded) + len(s.Skipped) + len(s.Failed)
}

// LedgerPath is the ledger kept next to a media file: same name, .csv
// extension.
func LedgerPath(media string) string {
	return strings.TrimSuffix(media, filepath.Ext(media)) + ".csv"
}

// FindMedia lists media files in dir, sorted by path.
func FindMedia(dir string, recursive bool) ([]string, error) {
	if err := validation.ValidateDirectory(dir); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if validation.IsMedia(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", dir)
	}

	sort.Strings(files)
	return files, nil
}

type Batch struct {
	runner Runner
	opts   Options
}

func New(runner Runner, opts Options) *Batch {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	return &Batch{runner: runner, opts: opts}
}

// Run processes every media file in dir. One file's failure does not stop
// the batch; only a cancelled context does.
func (b *Batch) Run(ctx context.Context, dir string) (*Summary, error) {
	files, err := FindMedia(dir, b.opts.Recursive)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"dir":   dir,
		"files": len(files),
	}).Info("Found media files")

	return b.Process(ctx, files)
}

// Process handles files in order. Media files that map to the same ledger
// (talk.mp3 and talk.wav) are not merged: the first one owns the ledger and
// the rest are reported as failures.
func (b *Batch) Process(ctx context.Context, files []string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	owners := map[string]string{}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = Duration(time.Since(start))
			return summary, err
		}

		log := logrus.WithFields(logrus.Fields{
			"file":     file,
			"position": i + 1,
			"total":    len(files),
		})

		ledgerPath := LedgerPath(file)
		if owner, ok := owners[ledgerPath]; ok {
			err := ledgerConflict(file, ledgerPath, owner)
			log.WithError(err).Error("Failed to process file")
			summary.Failed = append(summary.Failed, Failure{Source: file, Error: err.Error()})
			continue
		}
		owners[ledgerPath] = file

		report, skipped, err := b.processOne(ctx, file)
		switch {
		case skipped:
			log.Info("Ledger exists, skipping")
			summary.Skipped = append(summary.Skipped, file)
		case err != nil:
			log.WithError(err).Error("Failed to process file")
			summary.Failed = append(summary.Failed, Failure{Source: file, Error: err.Error()})
		default:
			log.WithField("written", report.Written).Info("File processed")
			summary.Succeeded = append(summary.Succeeded, file)
			summary.Written += report.Written
		}
	}

	summary.Elapsed = Duration(time.Since(start))
	return summary, nil
}

func ledgerConflict(file, ledgerPath, owner string) error {
	return errors.Errorf("ledger %s is already used by %s", ledgerPath, owner)
}

// ledgerSibling returns another media file in the same directory that maps
// to the same ledger as file, if any.
func ledgerSibling(file string) (string, error) {
	entries, err := os.ReadDir(filepath.Dir(file))
	if err != nil {
		return "", errors.Wrap(err, "failed to read directory")
	}
	ledgerPath := LedgerPath(file)
	for _, e := range entries {
		other := filepath.Join(filepath.Dir(file), e.Name())
		if e.IsDir() || other == file || !validation.IsMedia(other) {
			continue
		}
		if LedgerPath(other) == ledgerPath {
			return other, nil
		}
	}
	return "", nil
}

func (b *Batch) processOne(ctx context.Context, file string) (*pipeline.Report, bool, error) {
	ledgerPath := LedgerPath(file)
	if b.opts.SkipExisting {
		if _, err := os.Stat(ledgerPath); err == nil {
			return nil, true, nil
		}
	}
	report, err := b.runner.Run(ctx, file, ledgerPath)
	return report, false, err
}

// Watch processes media files that appear in dir until ctx is done. A file
// is handled once no write has touched it for the debounce interval, so
// recordings still being copied are not picked up half written.
func (b *Batch) Watch(ctx context.Context, dir string, onDone func(source string, report *pipeline.Report, err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	if err := b.addDirs(watcher, dir); err != nil {
		return err
	}
	logrus.WithField("dir", dir).Info("Watching for new media")

	ready := make(chan string, 16)
	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && b.opts.Recursive {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := b.addDirs(watcher, event.Name); err != nil {
						logrus.WithError(err).WithField("dir", event.Name).Warn("Failed to watch new directory")
					}
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !validation.IsMedia(event.Name) {
				continue
			}

			path := event.Name
			if t, ok := timers[path]; ok {
				t.Reset(b.opts.Debounce)
				continue
			}
			timers[path] = time.AfterFunc(b.opts.Debounce, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			var (
				report  *pipeline.Report
				skipped bool
			)
			owner, err := ledgerSibling(path)
			if err == nil && owner != "" {
				err = ledgerConflict(path, LedgerPath(path), owner)
			}
			if err == nil {
				report, skipped, err = b.processOne(ctx, path)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				logrus.WithError(err).WithField("file", path).Error("Failed to process file")
			}
			if onDone != nil && !skipped {
				onDone(path, report, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("Watcher error")
		}
	}
}

func (b *Batch) addDirs(watcher *fsnotify.Watcher, root string) error {
	if !b.opts.Recursive {
		return errors.Wrapf(watcher.Add(root), "failed to watch %s", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return errors.Wrapf(err, "failed to watch %s", path)
			}
		}
		return nil
	})
}
