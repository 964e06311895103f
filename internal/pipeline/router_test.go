package pipeline

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pilapse/internal/align"
	"pilapse/internal/config"
	"pilapse/internal/storage"
	"pilapse/internal/video"
)

type stubChecker struct {
	res   align.Result
	err   error
	paths []string
}

func (s *stubChecker) EvaluateFile(_ context.Context, path string) (align.Result, error) {
	s.paths = append(s.paths, path)
	return s.res, s.err
}

type stubAssembler struct {
	last video.Request
	err  error
}

func (s *stubAssembler) Assemble(_ context.Context, req video.Request) (video.Result, error) {
	s.last = req
	if s.err != nil {
		return video.Result{}, s.err
	}
	return video.Result{Output: req.Output, Photos: 3, Frames: 3 * req.FrameTime, FPS: req.FPS, Encoder: req.Encoder}, nil
}

type stubUploader struct {
	uploaded []string
	err      error
}

func (s *stubUploader) Upload(_ context.Context, path string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.uploaded = append(s.uploaded, path)
	return "s3://bucket/" + filepath.Base(path), nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "pilapse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func misalignedResult() align.Result {
	return align.Result{
		Verdict:     align.Verdict{Horizontal: true, LeftVertical: false, RightVertical: true},
		Expected:    align.Geometry{Y: 42, LeftX: 74, RightX: 126},
		Measurement: align.Measurement{LeftCenter: image.Pt(90, 42), RightCenter: image.Pt(126, 42), DetectedY: 42},
		Deviations:  []align.Deviation{{Check: "left_vertical", Calculated: 90, Expected: 74, Tolerance: 5}},
		Annotated:   image.NewRGBA(image.Rect(0, 0, 20, 20)),
	}
}

func TestRouterAlignWritesAnnotatedAndRecordsCheck(t *testing.T) {
	st := newStore(t)
	chk := &stubChecker{res: misalignedResult()}
	var hooked string
	r := &router{
		log:   slog.Default(),
		store: st,
		now:   time.Now,
		deps: Deps{
			Checker: chk,
			OnAlign: func(path string, _ align.Result, _ error) { hooked = path },
		},
	}

	input := filepath.Join(t.TempDir(), "20240101_120000.png")
	res := r.Process(context.Background(), Job{ID: "align-1", Type: JobAlign, InputPath: input})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["ok"] != false {
		t.Fatalf("expected ok=false, got %v", res.Meta["ok"])
	}
	want := filepath.Join(filepath.Dir(input), AnnotatedDir, "20240101_120000.png")
	if res.Meta["output"] != want {
		t.Fatalf("unexpected output %v", res.Meta["output"])
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("annotated file missing: %v", err)
	}
	devs, _ := res.Meta["deviations"].([]string)
	if len(devs) != 1 || !strings.Contains(devs[0], "left_vertical") {
		t.Fatalf("unexpected deviations %v", res.Meta["deviations"])
	}
	if hooked != input {
		t.Fatalf("OnAlign not called with %s", input)
	}

	checks, err := st.RecentChecks(10)
	if err != nil {
		t.Fatalf("RecentChecks: %v", err)
	}
	if len(checks) != 1 || checks[0].LeftVertical || checks[0].LeftX != 90 {
		t.Fatalf("unexpected stored checks %+v", checks)
	}
}

func TestRouterAlignMarkerNotFound(t *testing.T) {
	res := align.Result{Annotated: image.NewRGBA(image.Rect(0, 0, 4, 4))}
	chk := &stubChecker{res: res, err: align.ErrMarkerNotFound}
	r := &router{log: slog.Default(), now: time.Now, deps: Deps{Checker: chk}}

	out := filepath.Join(t.TempDir(), "overlay.png")
	got := r.Process(context.Background(), Job{ID: "a", Type: JobAlign, InputPath: "x.png", Output: out})
	if !errors.Is(got.Error, align.ErrMarkerNotFound) {
		t.Fatalf("expected ErrMarkerNotFound, got %v", got.Error)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("annotated frame should still be written: %v", err)
	}
}

func TestRouterAlignWithoutChecker(t *testing.T) {
	r := &router{log: slog.Default(), now: time.Now}
	if res := r.Process(context.Background(), Job{Type: JobAlign}); res.Error == nil {
		t.Fatal("expected error without checker")
	}
}

func TestRouterCombineUsesConfigDefaults(t *testing.T) {
	asm := &stubAssembler{}
	r := &router{
		log: slog.Default(),
		now: func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) },
		deps: Deps{
			Assembler: asm,
			Video:     config.Video{FPS: 24, FrameTime: 2, Encoder: "mjpeg", Quality: 90},
		},
	}

	dir := t.TempDir()
	res := r.Process(context.Background(), Job{
		ID:        "combine-1",
		Type:      JobCombine,
		InputPath: dir,
		Options:   map[string]any{"fps": float64(30)},
	})
	if res.Error != nil {
		t.Fatalf("combine: %v", res.Error)
	}
	if asm.last.FPS != 30 || asm.last.FrameTime != 2 || asm.last.Encoder != "mjpeg" {
		t.Fatalf("unexpected request %+v", asm.last)
	}
	want := filepath.Join(dir, "timelapse_20240501_083000.avi")
	if asm.last.Output != want {
		t.Fatalf("expected default output %s, got %s", want, asm.last.Output)
	}
	if res.Meta["frames"] != 6 {
		t.Fatalf("unexpected frames meta %v", res.Meta["frames"])
	}
}

func TestRouterCombineThenPublish(t *testing.T) {
	up := &stubUploader{}
	r := &router{
		log:  slog.Default(),
		now:  time.Now,
		deps: Deps{Assembler: &stubAssembler{}, Publisher: up, Video: config.Video{Encoder: "ffmpeg"}},
	}
	res := r.Process(context.Background(), Job{
		Type:      JobCombine,
		InputPath: t.TempDir(),
		Output:    "/tmp/out.mp4",
		Options:   map[string]any{"publish": true},
	})
	if res.Error != nil {
		t.Fatalf("combine: %v", res.Error)
	}
	if len(up.uploaded) != 1 || up.uploaded[0] != "/tmp/out.mp4" {
		t.Fatalf("expected upload of output, got %v", up.uploaded)
	}
	if res.Meta["location"] != "s3://bucket/out.mp4" {
		t.Fatalf("unexpected location %v", res.Meta["location"])
	}
}

func TestRouterCombineError(t *testing.T) {
	r := &router{log: slog.Default(), now: time.Now, deps: Deps{Assembler: &stubAssembler{err: video.ErrNoFrames}}}
	res := r.Process(context.Background(), Job{Type: JobCombine, InputPath: t.TempDir()})
	if !errors.Is(res.Error, video.ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", res.Error)
	}
}

func TestRouterPublish(t *testing.T) {
	up := &stubUploader{}
	r := &router{log: slog.Default(), now: time.Now, deps: Deps{Publisher: up}}
	res := r.Process(context.Background(), Job{Type: JobPublish, InputPath: "/data/tl.avi"})
	if res.Error != nil || res.Meta["location"] != "s3://bucket/tl.avi" {
		t.Fatalf("unexpected result %+v", res)
	}

	r.deps.Publisher = nil
	if res := r.Process(context.Background(), Job{Type: JobPublish}); res.Error == nil {
		t.Fatal("expected error without publisher")
	}
}

func TestRouterUnknownType(t *testing.T) {
	r := &router{log: slog.Default(), now: time.Now}
	if res := r.Process(context.Background(), Job{Type: "stack"}); res.Error == nil {
		t.Fatal("expected unknown job type error")
	}
}

func TestGetIntOption(t *testing.T) {
	opts := map[string]any{"a": 3, "b": float64(7), "c": "x"}
	if getIntOption(opts, "a", 0) != 3 || getIntOption(opts, "b", 0) != 7 || getIntOption(opts, "c", 9) != 9 {
		t.Fatal("unexpected option coercion")
	}
}
