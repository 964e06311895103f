package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"pilapse/internal/align"
	"pilapse/internal/fsutil"
	"pilapse/internal/logging"
	"pilapse/internal/storage"
)

const (
	outputExt      = ".png"
	fileNameLayout = "20060102_150405"
	flashTimeout   = 3 * time.Second
)

// Checker evaluates a frame for rig alignment.
type Checker interface {
	Evaluate(ctx context.Context, frame image.Image) (align.Result, error)
}

// ShotRecorder persists saved photos and gate checks.
type ShotRecorder interface {
	RecordShot(rec storage.ShotRecord) (int64, error)
	RecordCheck(rec storage.CheckRecord) error
}

// Options configures a Worker.
type Options struct {
	Interval        time.Duration
	OutputDir       string
	Limit           int // total photos in OutputDir; 0 means unlimited
	GateOnAlignment bool
	GateInterval    time.Duration
}

// Worker takes a photo every Interval until the limit is reached.
type Worker struct {
	opts     Options
	src      Source
	flash    Flash
	checker  Checker
	recorder ShotRecorder
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	count int
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithFlash fires f around every shot.
func WithFlash(f Flash) WorkerOption { return func(w *Worker) { w.flash = f } }

// WithChecker enables the alignment gate when Options.GateOnAlignment is set.
func WithChecker(c Checker) WorkerOption { return func(w *Worker) { w.checker = c } }

// WithRecorder stores shots and gate checks.
func WithRecorder(r ShotRecorder) WorkerOption { return func(w *Worker) { w.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption { return func(w *Worker) { w.log = l } }

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

// NewWorker validates the output folder and counts the photos already in it.
func NewWorker(opts Options, src Source, wopts ...WorkerOption) (*Worker, error) {
	if !fsutil.IsDir(opts.OutputDir) {
		return nil, fmt.Errorf("%w: %s", ErrOutputDir, opts.OutputDir)
	}
	if opts.Interval <= 0 {
		return nil, errors.New("capture interval must be positive")
	}
	if opts.GateInterval <= 0 {
		opts.GateInterval = 10 * time.Second
	}
	existing, err := fsutil.CountByExt(opts.OutputDir, outputExt)
	if err != nil {
		return nil, fmt.Errorf("count existing photos: %w", err)
	}
	w := &Worker{
		opts:  opts,
		src:   src,
		log:   slog.Default(),
		now:   time.Now,
		count: existing,
	}
	for _, o := range wopts {
		o(w)
	}
	return w, nil
}

// Count returns the number of photos in the output folder, including those
// present before the worker started.
func (w *Worker) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Worker) limitReached() bool {
	return w.opts.Limit > 0 && w.Count() >= w.opts.Limit
}

// Run configures the source, optionally waits for the rig to be aligned and
// then shoots immediately and on every tick. It returns nil when the limit is
// reached or ctx is cancelled. Failed shots are logged and the loop goes on.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("time-lapse starting",
		"output", w.opts.OutputDir,
		"interval", w.opts.Interval.String(),
		"limit", w.opts.Limit,
		"existing", w.Count())

	if w.limitReached() {
		w.log.Info("photo limit already reached", "limit", w.opts.Limit)
		return nil
	}

	if err := w.src.Configure(ctx); err != nil {
		return fmt.Errorf("configure camera: %w", err)
	}
	defer w.src.Close()

	if w.opts.GateOnAlignment && w.checker != nil {
		if err := w.waitForAlignment(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Shoot(ctx); err != nil {
			switch {
			case errors.Is(err, ErrLimitReached):
				w.log.Info("photo limit reached", "limit", w.opts.Limit)
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				w.log.Error("shot failed", "error", err)
			}
		}
		if w.limitReached() {
			w.log.Info("photo limit reached", "limit", w.opts.Limit)
			return nil
		}

		select {
		case <-ctx.Done():
			w.log.Info("time-lapse stopped", "count", w.Count())
			return nil
		case <-ticker.C:
		}
	}
}

// Shoot captures and saves one photo and returns its path.
func (w *Worker) Shoot(ctx context.Context) (string, error) {
	if w.limitReached() {
		return "", ErrLimitReached
	}
	start := time.Now()

	img, err := w.captureWithFlash(ctx)
	if err != nil {
		return "", err
	}

	takenAt := w.now()
	path, err := fsutil.UniquePath(w.opts.OutputDir, takenAt.Format(fileNameLayout), outputExt)
	if err != nil {
		return "", err
	}
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}

	w.mu.Lock()
	w.count++
	count := w.count
	w.mu.Unlock()

	if w.recorder != nil {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		b := img.Bounds()
		if _, err := w.recorder.RecordShot(storage.ShotRecord{
			Path:      path,
			TakenAt:   takenAt,
			Width:     b.Dx(),
			Height:    b.Dy(),
			SizeBytes: size,
			Flash:     w.flash != nil,
		}); err != nil {
			w.log.Warn("record shot failed", "path", path, "error", err)
		}
	}
	logging.LogShot(w.log, path, count, w.opts.Limit, time.Since(start))
	return path, nil
}

func (w *Worker) captureWithFlash(ctx context.Context) (image.Image, error) {
	if w.flash != nil {
		fctx, cancel := context.WithTimeout(ctx, flashTimeout)
		if err := w.flash.TurnOn(fctx); err != nil {
			w.log.Warn("flash on failed", "error", err)
		}
		cancel()
		defer func() {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flashTimeout)
			defer cancel()
			if err := w.flash.TurnOff(fctx); err != nil {
				w.log.Warn("flash off failed", "error", err)
			}
		}()
	}
	img, err := w.src.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return img, nil
}

// waitForAlignment evaluates frames until all three checks pass.
func (w *Worker) waitForAlignment(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		img, err := w.src.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture for alignment: %w", err)
		}
		res, err := w.checker.Evaluate(ctx, img)
		if w.recorder != nil {
			if rerr := w.recorder.RecordCheck(storage.CheckFromResult("gate", w.now(), res, err)); rerr != nil {
				w.log.Warn("record check failed", "error", rerr)
			}
		}
		switch {
		case err != nil && !errors.Is(err, align.ErrMarkerNotFound):
			return fmt.Errorf("alignment check: %w", err)
		case err == nil && res.Verdict.OK():
			logging.LogAlignment(w.log, "gate", res)
			w.log.Info("rig aligned, starting time-lapse", "attempts", attempt)
			return nil
		default:
			logging.LogAlignment(w.log, "gate", res)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.GateInterval):
		}
	}
}
