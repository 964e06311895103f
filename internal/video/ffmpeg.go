package video

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpegEncoder stages frames as numbered PNGs and encodes them with ffmpeg
// to H.264.
type FFmpegEncoder struct {
	path string
	run  Runner
	log  *slog.Logger
}

// NewFFmpegEncoder uses the ffmpeg binary at path. run may be nil.
func NewFFmpegEncoder(path string, run Runner, log *slog.Logger) FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return FFmpegEncoder{path: path, run: run, log: log}
}

func (FFmpegEncoder) Name() string { return "ffmpeg" }

func (e FFmpegEncoder) Open(ctx context.Context, output string, width, height, fps, _ int) (FrameWriter, error) {
	dir, err := os.MkdirTemp("", "pilapse-frames-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &ffmpegWriter{enc: e, ctx: ctx, dir: dir, output: output, width: width, height: height, fps: fps}, nil
}

type ffmpegWriter struct {
	enc           FFmpegEncoder
	ctx           context.Context
	dir           string
	output        string
	width, height int
	fps           int
	n             int
}

func (f *ffmpegWriter) WriteFrame(img image.Image, repeat int) error {
	first := f.framePath(f.n)
	if err := imaging.Save(img, first); err != nil {
		return err
	}
	f.n++
	for i := 1; i < repeat; i++ {
		if err := os.Link(first, f.framePath(f.n)); err != nil {
			if err := imaging.Save(img, f.framePath(f.n)); err != nil {
				return err
			}
		}
		f.n++
	}
	return nil
}

func (f *ffmpegWriter) framePath(i int) string {
	return filepath.Join(f.dir, fmt.Sprintf("frame_%06d.png", i))
}

func (f *ffmpegWriter) Close() error {
	defer os.RemoveAll(f.dir)
	args := []string{
		"-y",
		"-framerate", strconv.Itoa(f.fps),
		"-i", filepath.Join(f.dir, "frame_%06d.png"),
		"-s", fmt.Sprintf("%dx%d", f.width, f.height),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		f.output,
	}
	f.enc.log.Info("running ffmpeg", "args", args)
	if out, err := f.enc.run(f.ctx, f.enc.path, args...); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}
	return nil
}

func (f *ffmpegWriter) Abort() error {
	return os.RemoveAll(f.dir)
}
