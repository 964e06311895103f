package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"pilapse/internal/align"
	"pilapse/internal/config"
	"pilapse/internal/storage"
	"pilapse/internal/video"
)

// AnnotatedDir is the folder, next to the input photo, that receives
// annotated copies from align jobs.
const AnnotatedDir = "annotated"

type checker interface {
	EvaluateFile(ctx context.Context, path string) (align.Result, error)
}

type assembler interface {
	Assemble(ctx context.Context, req video.Request) (video.Result, error)
}

type uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Deps are the collaborators jobs run against. A nil collaborator makes its
// job type fail with a descriptive error.
type Deps struct {
	Checker   checker
	Assembler assembler
	Publisher uploader
	Video     config.Video
	// OnAlign, if set, receives every align result.
	OnAlign func(path string, res align.Result, err error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	deps  Deps
	now   func() time.Time
}

func newRouter(logger *slog.Logger, store *storage.Store, deps Deps) Processor {
	return &router{log: logger, store: store, deps: deps, now: time.Now}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobCombine:
		return r.handleCombine(ctx, job)
	case JobPublish:
		return r.handlePublish(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// AnnotatedPath returns where an align job writes the overlay for input.
func AnnotatedPath(input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), AnnotatedDir, base+".png")
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	if r.deps.Checker == nil {
		return Result{Job: job, Error: errors.New("alignment checker not configured")}
	}
	res, err := r.deps.Checker.EvaluateFile(ctx, job.InputPath)

	if r.store != nil {
		_ = r.store.RecordCheck(storage.CheckFromResult(job.InputPath, r.now(), res, err))
	}
	if r.deps.OnAlign != nil {
		r.deps.OnAlign(job.InputPath, res, err)
	}

	meta := map[string]any{
		"ok":         res.Verdict.OK(),
		"verdict":    res.Verdict.Map(),
		"detected_y": res.Measurement.DetectedY,
		"left_x":     res.Measurement.LeftCenter.X,
		"right_x":    res.Measurement.RightCenter.X,
		"expected":   res.Expected,
		"scores":     []float64{res.Left.Score, res.Right.Score},
		"confidence": []float64{res.Left.Confidence, res.Right.Confidence},
	}
	if len(res.Deviations) > 0 {
		devs := make([]string, len(res.Deviations))
		for i, d := range res.Deviations {
			devs[i] = d.String()
		}
		meta["deviations"] = devs
	}

	if res.Annotated != nil && !getBoolOption(job.Options, "noAnnotate") {
		out := job.Output
		if out == "" {
			out = AnnotatedPath(job.InputPath)
		}
		if saveErr := align.SavePNG(out, res.Annotated); saveErr != nil {
			return Result{Job: job, Error: fmt.Errorf("save annotated frame: %w", saveErr), Meta: meta}
		}
		meta["output"] = out
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleCombine(ctx context.Context, job Job) Result {
	if r.deps.Assembler == nil {
		return Result{Job: job, Error: errors.New("video assembler not configured")}
	}
	vc := r.deps.Video
	req := video.Request{
		InputDir:  job.InputPath,
		Output:    job.Output,
		FPS:       getIntOption(job.Options, "fps", vc.FPS),
		FrameTime: getIntOption(job.Options, "frameTime", vc.FrameTime),
		Width:     getIntOption(job.Options, "width", vc.Width),
		Height:    getIntOption(job.Options, "height", vc.Height),
		Encoder:   getStringOption(job.Options, "encoder", vc.Encoder),
		Quality:   getIntOption(job.Options, "quality", vc.Quality),
	}
	if req.Output == "" {
		ext := ".avi"
		if req.Encoder == "ffmpeg" {
			ext = ".mp4"
		}
		req.Output = filepath.Join(job.InputPath, "timelapse_"+r.now().Format("20060102_150405")+ext)
	}

	res, err := r.deps.Assembler.Assemble(ctx, req)
	meta := map[string]any{
		"output":    res.Output,
		"photos":    res.Photos,
		"frames":    res.Frames,
		"width":     res.Width,
		"height":    res.Height,
		"fps":       res.FPS,
		"encoder":   res.Encoder,
		"sizeBytes": res.SizeBytes,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	if getBoolOption(job.Options, "publish") && r.deps.Publisher != nil {
		loc, err := r.deps.Publisher.Upload(ctx, res.Output)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("publish video: %w", err), Meta: meta}
		}
		meta["location"] = loc
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePublish(ctx context.Context, job Job) Result {
	if r.deps.Publisher == nil {
		return Result{Job: job, Error: errors.New("publishing not configured")}
	}
	loc, err := r.deps.Publisher.Upload(ctx, job.InputPath)
	return Result{Job: job, Error: err, Meta: map[string]any{"location": loc}}
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

// getIntOption accepts int and the float64 that JSON decoding produces.
func getIntOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func getStringOption(options map[string]any, key, def string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return def
}
