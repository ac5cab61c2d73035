// Package ledger persists timestamped observations to an append-only CSV file
// and derives the resume cursor from its last row.
//
// A ledger is the only record of how far a source has been processed. Rows
// are never rewritten, and their end times never decrease.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	apperrors "github.com/nijaru/scribe/errors"
)

type Schema int

const (
	Basic Schema = iota
	Diarized
)

const (
	colStart          = "start_time"
	colEnd            = "end_time"
	colStartTimestamp = "start_timestamp"
	colEndTimestamp   = "end_timestamp"
	colDuration       = "duration"
	colSpeaker        = "speaker"
	colText           = "text"

	UnknownSpeaker = "UNKNOWN"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Columns returns the header row for the schema.
func (s Schema) Columns() []string {
	if s == Diarized {
		return []string{colStart, colEnd, colStartTimestamp, colEndTimestamp, colDuration, colSpeaker, colText}
	}
	return []string{colStart, colEnd, colStartTimestamp, colEndTimestamp, colDuration, colText}
}

func (s Schema) String() string {
	if s == Diarized {
		return "diarized"
	}
	return "basic"
}

// Observation is one recognized unit. Speaker is only persisted by the
// diarized schema.
type Observation struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

func (o Observation) Duration() float64 {
	return math.Round((o.End-o.Start)*1000) / 1000
}

// Filter returns the observations that end after cursor, in input order.
func Filter(obs []Observation, cursor float64) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if o.End > cursor {
			out = append(out, o)
		}
	}
	return out
}

type Ledger struct {
	path   string
	schema Schema
}

func New(path string, schema Schema) *Ledger {
	return &Ledger{path: path, schema: schema}
}

func (l *Ledger) Path() string   { return l.path }
func (l *Ledger) Schema() Schema { return l.schema }

// Exists reports whether the ledger file has been created.
func (l *Ledger) Exists() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Cursor returns the resume position of the ledger. See ReadCursor.
func (l *Ledger) Cursor() float64 {
	return ReadCursor(l.path)
}

// ReadCursor returns the end time of the last row in the ledger at path. A
// missing ledger yields 0. An unreadable ledger is logged and also yields 0;
// it is never fatal.
func ReadCursor(path string) float64 {
	cursor, err := LastEnd(path)
	if err != nil {
		logrus.WithError(err).WithField("ledger", path).Warn("Failed to read ledger, starting from the beginning")
		return 0
	}
	return cursor
}

// LastEnd is ReadCursor with the failure reported to the caller.
func LastEnd(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "open ledger")
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read ledger header")
	}

	endIdx := indexOf(header, colEnd)
	if endIdx < 0 {
		return 0, errors.Errorf("ledger has no %s column", colEnd)
	}

	var last []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "read ledger row")
		}
		last = record
	}

	if last == nil {
		return 0, nil
	}
	end, err := strconv.ParseFloat(last[endIdx], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s of last row", colEnd)
	}
	return end, nil
}

// Rows reads every persisted observation.
func (l *Ledger) Rows() ([]Observation, error) {
	const op = "ledger.Rows"

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Internal(op, err, "failed to open ledger")
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to read ledger header")
	}

	idx := map[string]int{}
	for _, col := range []string{colStart, colEnd, colSpeaker, colText} {
		idx[col] = indexOf(header, col)
	}
	if idx[colStart] < 0 || idx[colEnd] < 0 || idx[colText] < 0 {
		return nil, apperrors.Invalid(op, nil, "ledger header is missing required columns")
	}

	var rows []Observation
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Internal(op, err, "failed to read ledger row")
		}

		start, err := strconv.ParseFloat(record[idx[colStart]], 64)
		if err != nil {
			return nil, apperrors.Invalid(op, err, "malformed start_time")
		}
		end, err := strconv.ParseFloat(record[idx[colEnd]], 64)
		if err != nil {
			return nil, apperrors.Invalid(op, err, "malformed end_time")
		}

		o := Observation{Start: start, End: end, Text: record[idx[colText]]}
		if i := idx[colSpeaker]; i >= 0 {
			o.Speaker = record[i]
		}
		rows = append(rows, o)
	}
	return rows, nil
}

// Append persists obs in order. An existing ledger is opened for append and
// its header left alone; a new ledger is created with a header first. Rows
// whose end time would decrease are rejected before anything is written.
func (l *Ledger) Append(obs []Observation) error {
	const op = "ledger.Append"

	if len(obs) == 0 {
		return nil
	}

	prev := l.Cursor()
	for i, o := range obs {
		if o.End < prev {
			return apperrors.Invalid(op, nil, fmt.Sprintf(
				"observation %d (%q) ends at %s, before the previous row end %s",
				i, o.Text, formatFloat(o.End), formatFloat(prev)))
		}
		prev = o.End
	}

	flags := os.O_WRONLY | os.O_APPEND
	needHeader := false
	info, err := os.Stat(l.path)
	switch {
	case os.IsNotExist(err):
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
		needHeader = true
	case err != nil:
		return apperrors.Persist(op, err, "failed to stat ledger")
	case info.Size() == 0:
		needHeader = true
	default:
		if err := l.checkHeader(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(l.path, flags, 0o644)
	if err != nil {
		return apperrors.Persist(op, err, "failed to open ledger for writing")
	}

	if err := l.write(f, obs, needHeader); err != nil {
		f.Close()
		return apperrors.Persist(op, err, "failed to write ledger")
	}
	if err := f.Close(); err != nil {
		return apperrors.Persist(op, err, "failed to close ledger")
	}
	return nil
}

// checkHeader rejects an existing ledger whose columns differ from the
// schema; appending to it would leave rows the cursor cannot read.
func (l *Ledger) checkHeader() error {
	const op = "ledger.Append"

	f, err := os.Open(l.path)
	if err != nil {
		return apperrors.Persist(op, err, "failed to open ledger")
	}
	defer f.Close()

	header, err := newReader(f).Read()
	if err != nil {
		return apperrors.Invalid(op, err, "failed to read ledger header")
	}
	want := l.schema.Columns()
	if !slices.Equal(header, want) {
		return apperrors.Invalid(op, nil, fmt.Sprintf(
			"ledger %s has columns [%s], want %s schema [%s]",
			l.path, strings.Join(header, ","), l.schema, strings.Join(want, ",")))
	}
	return nil
}

func (l *Ledger) write(f *os.File, obs []Observation, withHeader bool) error {
	w := csv.NewWriter(f)

	if withHeader {
		if _, err := f.Write(bom); err != nil {
			return err
		}
		if err := w.Write(l.schema.Columns()); err != nil {
			return err
		}
	}

	for _, o := range obs {
		if err := w.Write(l.record(o)); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Ledger) record(o Observation) []string {
	rec := []string{
		formatFloat(o.Start),
		formatFloat(o.End),
		FormatTimestamp(o.Start),
		FormatTimestamp(o.End),
		formatFloat(o.Duration()),
	}
	if l.schema == Diarized {
		speaker := o.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		rec = append(rec, speaker)
	}
	return append(rec, o.Text)
}

// Result describes one resume step.
type Result struct {
	CursorBefore float64
	CursorAfter  float64
	Total        int
	Written      []Observation
}

func (r Result) Skipped() int {
	return r.Total - len(r.Written)
}

// Resume appends the observations that end after the current cursor and
// returns what was written. When nothing is new the ledger is not touched.
func (l *Ledger) Resume(obs []Observation) (Result, error) {
	cursor := l.Cursor()
	fresh := Filter(obs, cursor)

	res := Result{
		CursorBefore: cursor,
		CursorAfter:  cursor,
		Total:        len(obs),
		Written:      fresh,
	}
	if len(fresh) == 0 {
		return res, nil
	}

	if err := l.Append(fresh); err != nil {
		res.Written = nil
		return res, err
	}
	res.CursorAfter = fresh[len(fresh)-1].End
	return res, nil
}

func newReader(r io.Reader) *csv.Reader {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(bom)); err == nil && bytes.Equal(prefix, bom) {
		br.Discard(len(bom))
	}
	return csv.NewReader(br)
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
