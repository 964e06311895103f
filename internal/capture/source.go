// Package capture runs the time-lapse loop: it takes photos from a camera
// source at a fixed interval and stores them as PNG files.
package capture

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrOutputDir is returned when the output folder does not exist.
	ErrOutputDir = errors.New("capture: output folder does not exist")
	// ErrLimitReached is returned by Shoot once the photo limit is met.
	ErrLimitReached = errors.New("capture: photo limit reached")
)

// Source is a camera.
type Source interface {
	// Configure prepares the camera, including exposure and white balance
	// settling. It is called once before the first capture.
	Configure(ctx context.Context) error
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// Flash is switched on around every shot when configured.
type Flash interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}
