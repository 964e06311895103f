//go:build linux

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sort"

	"github.com/blackjack/webcam"
)

const (
	fmtYUYV  = 0x56595559
	fmtMJPEG = 0x47504a4d
)

// WebcamSource reads frames from a V4L2 device.
type WebcamSource struct {
	device        string
	width, height int
	log           *slog.Logger

	cam    *webcam.Webcam
	format webcam.PixelFormat
	w, h   uint32
}

// NewWebcamSource returns a source for device. A zero size selects the
// largest size the device offers.
func NewWebcamSource(device string, width, height int, log *slog.Logger) *WebcamSource {
	if log == nil {
		log = slog.Default()
	}
	return &WebcamSource{device: device, width: width, height: height, log: log}
}

type byArea []webcam.FrameSize

func (s byArea) Len() int      { return len(s) }
func (s byArea) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byArea) Less(i, j int) bool {
	return s[i].MaxWidth*s[i].MaxHeight < s[j].MaxWidth*s[j].MaxHeight
}

// Configure opens the device, picks MJPEG (or YUYV) and starts streaming.
func (s *WebcamSource) Configure(ctx context.Context) error {
	cam, err := webcam.Open(s.device)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.device, err)
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	for _, want := range []webcam.PixelFormat{fmtMJPEG, fmtYUYV} {
		if _, ok := formats[want]; ok {
			format = want
			break
		}
	}
	if format == 0 {
		cam.Close()
		return fmt.Errorf("%s offers neither MJPEG nor YUYV", s.device)
	}

	w, h := uint32(s.width), uint32(s.height)
	if w == 0 || h == 0 {
		sizes := byArea(cam.GetSupportedFrameSizes(format))
		if len(sizes) == 0 {
			cam.Close()
			return fmt.Errorf("%s reports no frame sizes", s.device)
		}
		sort.Sort(sizes)
		w, h = sizes[len(sizes)-1].MaxWidth, sizes[len(sizes)-1].MaxHeight
	}

	f, gw, gh, err := cam.SetImageFormat(format, w, h)
	if err != nil {
		cam.Close()
		return fmt.Errorf("set image format: %w", err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("start streaming: %w", err)
	}
	s.cam, s.format, s.w, s.h = cam, f, gw, gh
	s.log.Info("webcam streaming", "device", s.device, "format", formats[f], "width", gw, "height", gh)
	return nil
}

// Capture waits for the next frame and decodes it.
func (s *WebcamSource) Capture(ctx context.Context) (image.Image, error) {
	if s.cam == nil {
		return nil, errors.New("webcam not configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return nil, fmt.Errorf("wait for frame: %w", err)
		}
		frame, err := s.cam.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		buf := make([]byte, len(frame))
		copy(buf, frame)
		return decodeFrame(buf, s.w, s.h, s.format)
	}
}

// Close stops streaming and releases the device.
func (s *WebcamSource) Close() error {
	if s.cam == nil {
		return nil
	}
	_ = s.cam.StopStreaming()
	err := s.cam.Close()
	s.cam = nil
	return err
}

func decodeFrame(frame []byte, w, h uint32, format webcam.PixelFormat) (image.Image, error) {
	switch format {
	case fmtYUYV:
		return yuyvToImage(frame, w, h)
	case fmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(addMotionDHT(frame)))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %#x", uint32(format))
}
