//go:build !imagick

package video

import (
	"image"

	"github.com/disintegration/imaging"
)

// Resize scales img to exactly w x h with a Lanczos filter.
func Resize(img image.Image, w, h int) image.Image {
	return imaging.Resize(img, w, h, imaging.Lanczos)
}
