package live

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const defaultSampleRate = 16000

// Capture describes one recorded chunk.
type Capture struct {
	Source     string
	Path       string
	Duration   time.Duration
	SampleRate int
}

// Recorder captures audio from a device into a mono WAV file.
type Recorder interface {
	Record(ctx context.Context, c Capture) error
}

type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg records through an ffmpeg binary reading InputFormat devices
// (pulse, alsa, avfoundation, dshow).
type FFmpeg struct {
	Path        string
	InputFormat string
	Run         RunFunc
}

func NewFFmpeg(path, inputFormat string) *FFmpeg {
	return &FFmpeg{Path: path, InputFormat: inputFormat, Run: runCommand}
}

func (f *FFmpeg) Args(c Capture) []string {
	rate := c.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if f.InputFormat != "" {
		args = append(args, "-f", f.InputFormat)
	}
	return append(args,
		"-i", c.Source,
		"-t", strconv.FormatFloat(c.Duration.Seconds(), 'f', -1, 64),
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		c.Path,
	)
}

func (f *FFmpeg) Record(ctx context.Context, c Capture) error {
	out, err := f.Run(ctx, f.Path, f.Args(c)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "recording failed: %s", out)
	}
	return nil
}
