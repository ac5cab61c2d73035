package live

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	transcriptPrefix = "transcription_"
	rule             = "============================================================"
)

// TranscriptName is the file name of a session started at t. Sessions
// started within the same second get a numeric suffix from n = 2 on.
func TranscriptName(t time.Time, n int) string {
	name := transcriptPrefix + t.Format("20060102_150405")
	if n > 1 {
		name += "_" + strconv.Itoa(n)
	}
	return name + ".txt"
}

const maxTranscriptAttempts = 100

type transcript struct {
	path string
}

// createTranscript creates a new session file and writes its header. It
// never opens an existing file.
func createTranscript(dir string, started time.Time) (*transcript, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	var (
		f    *os.File
		path string
		err  error
	)
	for n := 1; n <= maxTranscriptAttempts; n++ {
		path = filepath.Join(dir, TranscriptName(started, n))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !os.IsExist(err) {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "create transcript")
	}

	header := fmt.Sprintf("%s\nSession started: %s\n%s\n\n", rule, started.Format("2006-01-02 15:04:05"), rule)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write transcript header")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close transcript")
	}
	return &transcript{path: path}, nil
}

func (t *transcript) Name() string { return filepath.Base(t.path) }

func (t *transcript) append(at time.Time, language, text string) error {
	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open transcript")
	}
	if _, err := fmt.Fprintf(f, "[%s] [%s] %s\n", at.Format("2006-01-02 15:04:05.000"), language, text); err != nil {
		f.Close()
		return errors.Wrap(err, "append transcript")
	}
	return f.Close()
}

// countEntries counts the transcript lines of a session file.
func countEntries(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "[") {
			n++
		}
	}
	return n
}
