// Package video assembles time-lapse photos into a video.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/disintegration/imaging"

	"pilapse/internal/fsutil"
)

var (
	// ErrNoFrames is returned when the input folder holds no photos.
	ErrNoFrames = errors.New("video: no frames found")
	// ErrDimensionMismatch is returned when photos differ in size and no
	// output size was requested.
	ErrDimensionMismatch = errors.New("video: frame dimensions differ")
)

const (
	DefaultFPS     = 24
	DefaultQuality = 90
	DefaultExt     = ".png"
)

// Request describes one assembly.
type Request struct {
	InputDir  string
	Output    string
	FPS       int
	FrameTime int // times each photo is repeated
	Width     int // 0 takes the size of the first photo
	Height    int
	Encoder   string // mjpeg or ffmpeg
	Quality   int    // JPEG quality for mjpeg
	Ext       string
}

func (r *Request) defaults() {
	if r.FPS <= 0 {
		r.FPS = DefaultFPS
	}
	if r.FrameTime <= 0 {
		r.FrameTime = 1
	}
	if r.Quality <= 0 || r.Quality > 100 {
		r.Quality = DefaultQuality
	}
	if r.Encoder == "" {
		r.Encoder = "mjpeg"
	}
	if r.Ext == "" {
		r.Ext = DefaultExt
	}
}

// Result summarizes a finished video.
type Result struct {
	Output    string        `json:"output"`
	Photos    int           `json:"photos"`
	Frames    int           `json:"frames"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FPS       int           `json:"fps"`
	Encoder   string        `json:"encoder"`
	SizeBytes int64         `json:"size_bytes"`
	Took      time.Duration `json:"took"`
}

// FrameWriter receives frames in order.
type FrameWriter interface {
	WriteFrame(img image.Image, repeat int) error
	// Close finalizes the output.
	Close() error
	// Abort discards partial output.
	Abort() error
}

// Encoder starts a video of fixed size.
type Encoder interface {
	Name() string
	Open(ctx context.Context, output string, width, height, fps, quality int) (FrameWriter, error)
}

// Assembler turns photo folders into videos.
type Assembler struct {
	encoders map[string]Encoder
	log      *slog.Logger
}

// NewAssembler registers encoders by name.
func NewAssembler(log *slog.Logger, encoders ...Encoder) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	a := &Assembler{encoders: make(map[string]Encoder), log: log}
	for _, e := range encoders {
		a.encoders[e.Name()] = e
	}
	return a
}

// Default returns an assembler with the MJPEG and ffmpeg encoders.
func Default(log *slog.Logger, ffmpegPath string) *Assembler {
	return NewAssembler(log, MJPEGEncoder{}, NewFFmpegEncoder(ffmpegPath, nil, log))
}

// Collect returns the photos in dir with extension ext, sorted by name.
func Collect(dir, ext string) ([]string, error) {
	if ext == "" {
		ext = DefaultExt
	}
	files, err := fsutil.ListByExt(dir, ext)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	return files, nil
}

// Assemble writes every photo of req.InputDir, in name order, to req.Output.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Result, error) {
	req.defaults()
	start := time.Now()

	enc, ok := a.encoders[req.Encoder]
	if !ok {
		return Result{}, fmt.Errorf("unknown encoder %q", req.Encoder)
	}
	files, err := Collect(req.InputDir, req.Ext)
	if err != nil {
		return Result{}, err
	}

	first, err := imaging.Open(files[0])
	if err != nil {
		return Result{}, fmt.Errorf("decode %s: %w", files[0], err)
	}
	resize := req.Width > 0 && req.Height > 0
	w, h := req.Width, req.Height
	if !resize {
		w, h = first.Bounds().Dx(), first.Bounds().Dy()
	}

	a.log.Info("assembling video",
		"input", req.InputDir,
		"output", req.Output,
		"photos", len(files),
		"fps", req.FPS,
		"frame_time", req.FrameTime,
		"width", w,
		"height", h,
		"encoder", enc.Name())

	fw, err := enc.Open(ctx, req.Output, w, h, req.FPS, req.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("open %s encoder: %w", enc.Name(), err)
	}

	frames := 0
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			fw.Abort()
			return Result{}, err
		}
		img := first
		if i > 0 {
			if img, err = imaging.Open(path); err != nil {
				fw.Abort()
				return Result{}, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		b := img.Bounds()
		switch {
		case resize && (b.Dx() != w || b.Dy() != h):
			img = Resize(img, w, h)
		case !resize && (b.Dx() != w || b.Dy() != h):
			fw.Abort()
			return Result{}, fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrDimensionMismatch, path, b.Dx(), b.Dy(), w, h)
		}
		if err := fw.WriteFrame(img, req.FrameTime); err != nil {
			fw.Abort()
			return Result{}, fmt.Errorf("write frame %s: %w", path, err)
		}
		frames += req.FrameTime
	}
	if err := fw.Close(); err != nil {
		return Result{}, fmt.Errorf("finalize %s: %w", req.Output, err)
	}

	res := Result{
		Output:  req.Output,
		Photos:  len(files),
		Frames:  frames,
		Width:   w,
		Height:  h,
		FPS:     req.FPS,
		Encoder: enc.Name(),
		Took:    time.Since(start),
	}
	if info, err := os.Stat(req.Output); err == nil {
		res.SizeBytes = info.Size()
	}
	a.log.Info("video written", "output", res.Output, "frames", res.Frames, "size_bytes", res.SizeBytes, "took", res.Took.String())
	return res, nil
}
