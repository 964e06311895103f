package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// StillOptions configures StillSource.
type StillOptions struct {
	Command    string // libcamera-still or raspistill
	Width      int
	Height     int
	Rotation   int
	SettleTime time.Duration
	TempDir    string
}

// StillSource takes single frames with the Raspberry Pi still-capture tool.
type StillSource struct {
	opts StillOptions
	run  Runner
	log  *slog.Logger
	dir  string
	// locked exposure, read from the settle shot metadata
	lock *exposure
}

type exposure struct {
	ExposureTime int       `json:"ExposureTime"`
	AnalogueGain float64   `json:"AnalogueGain"`
	ColourGains  []float64 `json:"ColourGains"`
}

// NewStillSource returns a source using opts. run may be nil.
func NewStillSource(opts StillOptions, run Runner, log *slog.Logger) *StillSource {
	if opts.Command == "" {
		opts.Command = "libcamera-still"
	}
	if run == nil {
		run = execRunner
	}
	if log == nil {
		log = slog.Default()
	}
	return &StillSource{opts: opts, run: run, log: log}
}

func (s *StillSource) libcamera() bool {
	return !strings.Contains(filepath.Base(s.opts.Command), "raspistill")
}

// Configure takes a settle shot so auto exposure and white balance converge,
// then pins shutter, gain and white balance gains for every later shot.
func (s *StillSource) Configure(ctx context.Context) error {
	dir, err := os.MkdirTemp(s.opts.TempDir, "pilapse-still-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	s.dir = dir

	if !s.libcamera() {
		s.log.Info("raspistill has no metadata output, exposure stays automatic")
		return nil
	}

	settle := s.opts.SettleTime
	if settle <= 0 {
		settle = time.Second
	}
	out := filepath.Join(dir, "settle.png")
	meta := filepath.Join(dir, "settle.json")
	args := append(s.baseArgs(out, false), "--timeout", strconv.FormatInt(settle.Milliseconds(), 10), "--metadata", meta)
	if output, err := s.run(ctx, s.opts.Command, args...); err != nil {
		return fmt.Errorf("settle shot: %w: %s", err, output)
	}

	data, err := os.ReadFile(meta)
	if err != nil {
		s.log.Warn("settle shot metadata missing, exposure stays automatic", "error", err)
		return nil
	}
	var exp exposure
	if err := json.Unmarshal(data, &exp); err != nil {
		s.log.Warn("settle shot metadata unreadable, exposure stays automatic", "error", err)
		return nil
	}
	if exp.ExposureTime > 0 {
		s.lock = &exp
		s.log.Info("exposure locked",
			"shutter_us", exp.ExposureTime,
			"gain", exp.AnalogueGain,
			"awb_gains", exp.ColourGains)
	}
	return nil
}

// Capture takes one frame and decodes it.
func (s *StillSource) Capture(ctx context.Context) (image.Image, error) {
	if s.dir == "" {
		return nil, errors.New("still source not configured")
	}
	out := filepath.Join(s.dir, "frame.png")
	defer os.Remove(out)

	args := append(s.baseArgs(out, true), s.lockArgs()...)
	if output, err := s.run(ctx, s.opts.Command, args...); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", s.opts.Command, err, output)
	}
	img, err := imaging.Open(out)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Close removes the scratch directory.
func (s *StillSource) Close() error {
	if s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// baseArgs builds the command line. immediate skips the libcamera preview
// phase; the settle shot needs that phase to run for its whole timeout.
func (s *StillSource) baseArgs(out string, immediate bool) []string {
	if !s.libcamera() {
		args := []string{"-n", "-e", "png", "-o", out}
		if s.opts.Width > 0 && s.opts.Height > 0 {
			args = append(args, "-w", strconv.Itoa(s.opts.Width), "-h", strconv.Itoa(s.opts.Height))
		}
		if s.opts.Rotation != 0 {
			args = append(args, "-rot", strconv.Itoa(s.opts.Rotation))
		}
		return args
	}
	args := []string{"--nopreview"}
	if immediate {
		args = append(args, "--immediate")
	}
	args = append(args, "--encoding", "png", "--output", out)
	if s.opts.Width > 0 && s.opts.Height > 0 {
		args = append(args, "--width", strconv.Itoa(s.opts.Width), "--height", strconv.Itoa(s.opts.Height))
	}
	if s.opts.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(s.opts.Rotation))
	}
	return args
}

func (s *StillSource) lockArgs() []string {
	if s.lock == nil {
		return nil
	}
	args := []string{"--shutter", strconv.Itoa(s.lock.ExposureTime)}
	if s.lock.AnalogueGain > 0 {
		args = append(args, "--gain", strconv.FormatFloat(s.lock.AnalogueGain, 'f', 3, 64))
	}
	if len(s.lock.ColourGains) == 2 {
		args = append(args, "--awbgains", fmt.Sprintf("%.3f,%.3f", s.lock.ColourGains[0], s.lock.ColourGains[1]))
	}
	return args
}
