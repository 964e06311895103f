package cli

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pilapse/internal/align"
	"pilapse/internal/capture"
	"pilapse/internal/config"
	"pilapse/internal/pipeline"
)

type fakePipe struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	subs    []chan pipeline.Result
	handle  func(pipeline.Job) pipeline.Result
	stopped bool
}

func (f *fakePipe) Submit(job pipeline.Job) (pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Meta: map[string]any{}}
	if f.handle != nil {
		res = f.handle(job)
	}
	res.Job = job
	for _, ch := range f.subs {
		ch <- res
	}
	return job, nil
}

func (f *fakePipe) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakePipe) Stop() { f.stopped = true }

type fakeFlash struct {
	calls []string
	on    bool
}

func (f *fakeFlash) TurnOn(context.Context) error  { f.calls = append(f.calls, "on"); f.on = true; return nil }
func (f *fakeFlash) TurnOff(context.Context) error { f.calls = append(f.calls, "off"); f.on = false; return nil }
func (f *fakeFlash) Stop(context.Context) error    { f.calls = append(f.calls, "stop"); return nil }
func (f *fakeFlash) State(context.Context) (bool, error) {
	f.calls = append(f.calls, "state")
	return f.on, nil
}
func (f *fakeFlash) Close() error { return nil }

type fakeSource struct{}

func (fakeSource) Configure(context.Context) error { return nil }
func (fakeSource) Capture(context.Context) (image.Image, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	return img, nil
}
func (fakeSource) Close() error { return nil }

func newTestRoot(t *testing.T) (*Root, *fakePipe, *fakeFlash, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	root := NewRoot(cfg, slog.Default(), nil)
	out := &bytes.Buffer{}
	root.out = out

	pipe := &fakePipe{}
	root.newPipeline = func(context.Context, pipeline.Deps) jobClient { return pipe }
	fl := &fakeFlash{}
	root.dialFlash = func(string, time.Duration) (flashClient, error) { return fl, nil }
	root.newSource = func(config.Capture) (capture.Source, error) { return fakeSource{}, nil }
	t.Cleanup(root.Close)
	return root, pipe, fl, out
}

func run(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(root.out)
	cmd.SetErr(root.out)
	return cmd.ExecuteContext(context.Background())
}

func TestAlignCommandVerdicts(t *testing.T) {
	cases := []struct {
		name    string
		ok      bool
		wantErr error
	}{
		{"aligned", true, nil},
		{"misaligned", false, ErrMisaligned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, pipe, _, out := newTestRoot(t)
			pipe.handle = func(job pipeline.Job) pipeline.Result {
				meta := map[string]any{
					"ok":      tc.ok,
					"verdict": map[string]bool{"horizontal": true, "left_vertical": tc.ok, "right_vertical": true},
				}
				if !tc.ok {
					meta["deviations"] = []string{"left_vertical: calculated 90, expected 74, tolerance 5"}
				}
				return pipeline.Result{Meta: meta}
			}

			err := run(root, "align", "frame.png")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(pipe.jobs) != 1 || pipe.jobs[0].Type != pipeline.JobAlign || pipe.jobs[0].InputPath != "frame.png" {
				t.Fatalf("unexpected jobs %+v", pipe.jobs)
			}
			if !strings.Contains(out.String(), "left_vertical") {
				t.Fatalf("verdict not printed: %s", out.String())
			}
			if !tc.ok && !strings.Contains(out.String(), "expected 74") {
				t.Fatalf("deviation not printed: %s", out.String())
			}
		})
	}
}

func TestAlignCommandMarkerNotFound(t *testing.T) {
	root, pipe, _, _ := newTestRoot(t)
	pipe.handle = func(pipeline.Job) pipeline.Result {
		return pipeline.Result{Error: align.ErrMarkerNotFound, Meta: map[string]any{"ok": false}}
	}
	if err := run(root, "align", "--json", "frame.png"); !errors.Is(err, align.ErrMarkerNotFound) {
		t.Fatalf("expected ErrMarkerNotFound, got %v", err)
	}
}

func TestAlignCommandJSON(t *testing.T) {
	root, pipe, _, out := newTestRoot(t)
	pipe.handle = func(pipeline.Job) pipeline.Result {
		return pipeline.Result{Meta: map[string]any{"ok": true}}
	}
	if err := run(root, "align", "--json", "--out", "x.png", "frame.png"); err != nil {
		t.Fatalf("align: %v", err)
	}
	if pipe.jobs[0].Output != "x.png" {
		t.Fatalf("--out not passed: %+v", pipe.jobs[0])
	}
	if !strings.Contains(out.String(), `"ok": true`) {
		t.Fatalf("expected JSON output, got %s", out.String())
	}
}

func TestCombineCommandOptions(t *testing.T) {
	root, pipe, _, out := newTestRoot(t)
	pipe.handle = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Meta: map[string]any{"output": job.Output, "frames": 10, "width": 8, "height": 8}}
	}
	err := run(root, "combine", "--path", "/photos", "--output", "/tmp/tl.avi", "--fps", "30", "--frame-time", "2", "--encoder", "ffmpeg")
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	job := pipe.jobs[0]
	if job.Type != pipeline.JobCombine || job.InputPath != "/photos" || job.Output != "/tmp/tl.avi" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["fps"] != 30 || job.Options["frameTime"] != 2 || job.Options["encoder"] != "ffmpeg" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if !strings.Contains(out.String(), "/tmp/tl.avi") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCombineCommandError(t *testing.T) {
	root, pipe, _, _ := newTestRoot(t)
	pipe.handle = func(pipeline.Job) pipeline.Result {
		return pipeline.Result{Error: errors.New("video: no frames found")}
	}
	if err := run(root, "combine", "--path", t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFlashCommands(t *testing.T) {
	root, _, fl, out := newTestRoot(t)
	for _, sub := range []string{"on", "state", "off", "stop"} {
		if err := run(root, "flash", sub); err != nil {
			t.Fatalf("flash %s: %v", sub, err)
		}
	}
	want := []string{"on", "state", "off", "stop"}
	if strings.Join(fl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls %v", fl.calls)
	}
	if strings.TrimSpace(out.String()) != "on" {
		t.Fatalf("expected state output 'on', got %q", out.String())
	}
}

func TestCaptureCommandStopsAtLimit(t *testing.T) {
	root, _, fl, out := newTestRoot(t)
	dir := t.TempDir()
	if err := run(root, "capture", "--output", dir, "--limit", "1", "--interval", "1h", "--flash"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.png"))
	if len(files) != 1 {
		t.Fatalf("expected one photo, got %v", files)
	}
	if len(fl.calls) != 2 || fl.calls[0] != "on" || fl.calls[1] != "off" {
		t.Fatalf("expected flash on/off, got %v", fl.calls)
	}
	if !strings.Contains(out.String(), "1 photos") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCaptureCommandMissingFolder(t *testing.T) {
	root, _, _, _ := newTestRoot(t)
	err := run(root, "capture", "--output", filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, capture.ErrOutputDir) {
		t.Fatalf("expected ErrOutputDir, got %v", err)
	}
}

func TestPublishCommand(t *testing.T) {
	root, pipe, _, out := newTestRoot(t)
	pipe.handle = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Meta: map[string]any{"location": "s3://b/" + filepath.Base(job.InputPath)}}
	}
	if err := run(root, "publish", "/photos/tl.avi"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pipe.jobs[0].Type != pipeline.JobPublish || strings.TrimSpace(out.String()) != "s3://b/tl.avi" {
		t.Fatalf("unexpected publish result %+v %q", pipe.jobs[0], out.String())
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _, out := newTestRoot(t)
	if err := run(root, "config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), `"alignment"`) {
		t.Fatalf("config not printed: %s", out.String())
	}

	root.cfg.Alignment.LeftTemplate = filepath.Join(t.TempDir(), "missing.png")
	if err := run(root, "config", "validate"); !errors.Is(err, align.ErrTemplateLoad) {
		t.Fatalf("expected ErrTemplateLoad, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root, _, _, out := newTestRoot(t)
	if err := run(root, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "pilapse "+Version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestCloseStopsPipeline(t *testing.T) {
	root, pipe, _, _ := newTestRoot(t)
	root.jobs(context.Background())
	root.Close()
	if !pipe.stopped {
		t.Fatal("expected pipeline stopped")
	}
}

func TestDefaultSourceRejectsUnknown(t *testing.T) {
	newSource := defaultSource(slog.Default())
	if _, err := newSource(config.Capture{Source: "film"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
	if src, err := newSource(config.Capture{Source: "still"}); err != nil || src == nil {
		t.Fatalf("still source: %v", err)
	}
}
