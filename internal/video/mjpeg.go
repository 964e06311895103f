package video

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"

	"github.com/icza/mjpeg"
)

// MJPEGEncoder writes Motion-JPEG AVI files without external tools.
type MJPEGEncoder struct{}

func (MJPEGEncoder) Name() string { return "mjpeg" }

func (MJPEGEncoder) Open(_ context.Context, output string, width, height, fps, quality int) (FrameWriter, error) {
	aw, err := mjpeg.New(output, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}
	return &mjpegWriter{aw: aw, output: output, quality: quality}, nil
}

type mjpegWriter struct {
	aw      mjpeg.AviWriter
	output  string
	quality int
	buf     bytes.Buffer
}

func (m *mjpegWriter) WriteFrame(img image.Image, repeat int) error {
	m.buf.Reset()
	if err := jpeg.Encode(&m.buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return err
	}
	for i := 0; i < repeat; i++ {
		if err := m.aw.AddFrame(m.buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (m *mjpegWriter) Close() error {
	return m.aw.Close()
}

func (m *mjpegWriter) Abort() error {
	m.aw.Close()
	return os.Remove(m.output)
}
