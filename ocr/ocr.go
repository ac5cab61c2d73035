// Package ocr samples the text shown in a rectangle of the screen by
// shelling out to ImageMagick for the capture and tesseract for recognition.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/validation"
)

// MinRegionSize is the smallest accepted width and height, in pixels.
const MinRegionSize = 10

// Region is a screen rectangle given by two opposite corners.
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// ParseRegion reads "x1,y1,x2,y2". Corners may be given in any order.
func ParseRegion(s string) (Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Region{}, errors.Errorf("region %q must be x1,y1,x2,y2", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Region{}, errors.Wrapf(err, "region %q", s)
		}
		v[i] = n
	}
	r := Region{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}.Normalize()
	return r, r.Validate()
}

// Normalize orders the corners top-left first.
func (r Region) Normalize() Region {
	if r.X1 > r.X2 {
		r.X1, r.X2 = r.X2, r.X1
	}
	if r.Y1 > r.Y2 {
		r.Y1, r.Y2 = r.Y2, r.Y1
	}
	return r
}

func (r Region) Width() int  { return r.X2 - r.X1 }
func (r Region) Height() int { return r.Y2 - r.Y1 }

func (r Region) Validate() error {
	if r.X1 < 0 || r.Y1 < 0 {
		return errors.Errorf("region %s starts off screen", r)
	}
	if r.Width() < MinRegionSize || r.Height() < MinRegionSize {
		return errors.Errorf("region %s is smaller than %dx%d", r, MinRegionSize, MinRegionSize)
	}
	return nil
}

// Geometry renders the region as an X11 geometry, WxH+X+Y.
func (r Region) Geometry() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width(), r.Height(), r.X1, r.Y1)
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X1, r.Y1, r.X2, r.Y2)
}

type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Sampler captures the region and returns the recognized text. It satisfies
// stability.Sampler.
type Sampler struct {
	cfg    config.OCRConfig
	region Region
	dir    string

	Run RunFunc
}

func NewSampler(cfg config.OCRConfig, region Region) (*Sampler, error) {
	region = region.Normalize()
	if err := region.Validate(); err != nil {
		return nil, err
	}
	if err := validation.ValidateOCRLanguage(cfg.Language); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "scribe-ocr-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create capture directory")
	}
	return &Sampler{cfg: cfg, region: region, dir: dir, Run: run}, nil
}

func (s *Sampler) Region() Region { return s.region }

// Close removes the capture directory.
func (s *Sampler) Close() error {
	return os.RemoveAll(s.dir)
}

func (s *Sampler) Sample(ctx context.Context) (string, error) {
	image := filepath.Join(s.dir, "capture.png")
	defer os.Remove(image)

	if _, err := s.Run(ctx, s.cfg.CapturePath, s.captureArgs(image)...); err != nil {
		return "", errors.Wrap(err, "screen capture failed")
	}

	out, err := s.Run(ctx, s.cfg.TesseractPath, image, "stdout", "-l", s.cfg.Language)
	if err != nil {
		return "", errors.Wrap(err, "ocr failed")
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *Sampler) captureArgs(image string) []string {
	args := []string{"-window", "root", "-crop", s.region.Geometry(), "+repage"}
	if s.cfg.Preprocess {
		// grayscale plus local adaptive threshold, close to a gaussian
		// adaptive threshold with an 11px block
		args = append(args, "-colorspace", "Gray", "-lat", "11x11-2%")
	}
	return append(args, image)
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
