package server

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"pilapse/internal/align"
	"pilapse/internal/capture"
	"pilapse/internal/logging"
	"pilapse/internal/storage"
)

type liveChecker interface {
	Evaluate(ctx context.Context, frame image.Image) (align.Result, error)
}

// LiveLoop grabs a frame every interval, checks it and publishes the
// outcome. It lets an operator adjust the rig while watching /live.
type LiveLoop struct {
	Source   capture.Source
	Checker  liveChecker
	Interval time.Duration
	Store    *storage.Store
	Server   *Server
	Log      *slog.Logger
}

// Run loops until ctx is cancelled. The source is configured first and
// closed on return.
func (l *LiveLoop) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if err := l.Source.Configure(ctx); err != nil {
		return fmt.Errorf("configure live source: %w", err)
	}
	defer l.Source.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := l.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("live check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once captures and checks a single frame. Alignment failures are published,
// not returned.
func (l *LiveLoop) Once(ctx context.Context) error {
	frame, err := l.Source.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	res, checkErr := l.Checker.Evaluate(ctx, frame)
	if l.Store != nil {
		if err := l.Store.RecordCheck(storage.CheckFromResult("live", time.Now(), res, checkErr)); err != nil {
			return fmt.Errorf("record check: %w", err)
		}
	}
	if l.Log != nil {
		logging.LogAlignment(l.Log, "live", res)
	}
	if l.Server != nil {
		l.Server.PublishCheck("live", res, checkErr)
	}
	return nil
}
