//go:build imagick

package video

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"
	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

// Resize scales img to exactly w x h with MagickWand's Lanczos filter,
// falling back to the pure Go resizer if the wand rejects the frame.
func Resize(img image.Image, w, h int) image.Image {
	imagickOnce.Do(imagick.Initialize)

	out, err := magickResize(img, w, h)
	if err != nil {
		slog.Default().Warn("imagick resize failed, using imaging", "error", err)
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}
	return out
}

func magickResize(img image.Image, w, h int) (image.Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(buf.Bytes()); err != nil {
		return nil, err
	}
	if err := mw.ResizeImage(uint(w), uint(h), imagick.FILTER_LANCZOS); err != nil {
		return nil, err
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(mw.GetImageBlob()))
}
