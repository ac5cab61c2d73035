// Package stability debounces a polled text source: it reports a piece of
// content once it has stayed byte-identical for a minimum duration, and only
// once per plateau.
package stability

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	Unstable State = iota
	Settling
	Stable
)

func (s State) String() string {
	switch s {
	case Settling:
		return "settling"
	case Stable:
		return "stable"
	default:
		return "unstable"
	}
}

type Config struct {
	StableDuration  time.Duration
	CaptureInterval time.Duration
}

func (c Config) Validate() error {
	if c.StableDuration <= 0 {
		return errors.New("stable duration must be greater than 0")
	}
	if c.CaptureInterval <= 0 {
		return errors.New("capture interval must be greater than 0")
	}
	if c.CaptureInterval > c.StableDuration {
		return errors.Errorf("capture interval %v exceeds stable duration %v", c.CaptureInterval, c.StableDuration)
	}
	return nil
}

// Fingerprint is the hex MD5 digest of text.
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Detector is the stability state machine. It is not safe for concurrent
// use; Monitor drives it from a single goroutine.
type Detector struct {
	cfg Config

	state       State
	fingerprint string
	since       time.Time
}

func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

func (d *Detector) State() State { return d.state }

// Fingerprint returns the fingerprint of the current plateau, or "" when
// nothing has been seen since the last reset.
func (d *Detector) Fingerprint() string { return d.fingerprint }

func (d *Detector) Reset() {
	d.state = Unstable
	d.fingerprint = ""
	d.since = time.Time{}
}

// Observe feeds one sample taken at now and reports whether the plateau it
// belongs to has just become stable. It returns true at most once per
// plateau. Blank samples reset the detector and never fire.
func (d *Detector) Observe(text string, now time.Time) bool {
	if strings.TrimSpace(text) == "" {
		d.Reset()
		return false
	}

	fp := Fingerprint(text)
	if fp != d.fingerprint {
		d.state = Unstable
		d.fingerprint = fp
		d.since = now
		return false
	}

	switch d.state {
	case Unstable:
		d.state = Settling
		fallthrough
	case Settling:
		if now.Sub(d.since) >= d.cfg.StableDuration {
			d.state = Stable
			return true
		}
	}
	return false
}
