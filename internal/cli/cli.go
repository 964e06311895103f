package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"pilapse/internal/align"
	"pilapse/internal/capture"
	"pilapse/internal/config"
	"pilapse/internal/flash"
	"pilapse/internal/pipeline"
	"pilapse/internal/publish"
	"pilapse/internal/storage"
	"pilapse/internal/video"
)

// ErrMisaligned is returned by the align command when any check fails.
var ErrMisaligned = errors.New("rig is not aligned")

// Version is set at build time with -ldflags "-X pilapse/internal/cli.Version=...".
var Version = "0.1.0-dev"

type jobClient interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
	Stop()
}

type flashClient interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Stop(ctx context.Context) error
	State(ctx context.Context) (bool, error)
	Close() error
}

type pipelineFactory func(ctx context.Context, deps pipeline.Deps) jobClient
type sourceFactory func(cfg config.Capture) (capture.Source, error)
type flashDialer func(addr string, timeout time.Duration) (flashClient, error)

// Root holds shared state for all commands.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	out   io.Writer

	newPipeline pipelineFactory
	newSource   sourceFactory
	dialFlash   flashDialer

	// onAlign is handed to the pipeline; serve sets it before the first job.
	onAlign func(path string, res align.Result, err error)

	mu   sync.Mutex
	pipe jobClient
}

// NewRoot wires commands to cfg. store may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		out:   os.Stdout,
		newPipeline: func(ctx context.Context, deps pipeline.Deps) jobClient {
			return pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, deps)
		},
		newSource: defaultSource(logger),
		dialFlash: func(addr string, timeout time.Duration) (flashClient, error) {
			return flash.Dial(addr, timeout)
		},
	}
}

func defaultSource(log *slog.Logger) sourceFactory {
	return func(cfg config.Capture) (capture.Source, error) {
		switch cfg.Source {
		case "", "still":
			return capture.NewStillSource(capture.StillOptions{
				Command:    cfg.StillCommand,
				Width:      cfg.Width,
				Height:     cfg.Height,
				Rotation:   cfg.Rotation,
				SettleTime: cfg.SettleTime.Duration,
			}, nil, log), nil
		case "webcam":
			return capture.NewWebcamSource(cfg.Device, cfg.Width, cfg.Height, log), nil
		default:
			return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
		}
	}
}

// Close stops the pipeline if one was started.
func (r *Root) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipe != nil {
		r.pipe.Stop()
		r.pipe = nil
	}
}

// checker loads the marker templates from the configured paths.
func (r *Root) checker() (*align.Checker, error) {
	return align.New(r.cfg.Alignment, align.WithLogger(r.log))
}

// jobs starts the pipeline on first use.
func (r *Root) jobs(ctx context.Context) jobClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipe != nil {
		return r.pipe
	}

	deps := pipeline.Deps{
		Assembler: video.Default(r.log, r.cfg.Video.FFmpegPath),
		Video:     r.cfg.Video,
		OnAlign:   r.onAlign,
	}
	if c, err := r.checker(); err != nil {
		r.log.Warn("alignment checker unavailable", "error", err)
	} else {
		deps.Checker = c
	}
	if r.cfg.Publish.Bucket != "" {
		if p, err := publish.New(r.cfg.Publish, r.log); err != nil {
			r.log.Warn("publisher unavailable", "error", err)
		} else {
			deps.Publisher = p
		}
	}
	r.pipe = r.newPipeline(ctx, deps)
	return r.pipe
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	jobs := r.jobs(ctx)
	resCh, unsubscribe := jobs.Subscribe()
	defer unsubscribe()

	job, err := r.enqueue(ctx, jobs, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, jobs jobClient, job pipeline.Job) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return job, ctx.Err()
	default:
	}

	if job.ID == "" {
		job.ID = pipeline.NewID(string(job.Type))
	}
	job, err := jobs.Submit(job)
	if err != nil {
		return job, err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return job, nil
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
