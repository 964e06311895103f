//go:build !linux

package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
)

// WebcamSource is only available on Linux (V4L2).
type WebcamSource struct{}

func NewWebcamSource(device string, width, height int, log *slog.Logger) *WebcamSource {
	return &WebcamSource{}
}

func (*WebcamSource) Configure(context.Context) error {
	return errors.New("webcam source requires linux")
}

func (*WebcamSource) Capture(context.Context) (image.Image, error) {
	return nil, errors.New("webcam source requires linux")
}

func (*WebcamSource) Close() error { return nil }
