package align

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/gift"
	"github.com/disintegration/imaging"
)

// Plane extracts the single-channel image that templates are matched against.
// A *image.Gray input is used as is regardless of ch.
func Plane(img image.Image, ch Channel) (*image.Gray, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrInvalidFrame, b)
	}
	if g, ok := img.(*image.Gray); ok {
		return rebase(g), nil
	}

	switch ch {
	case ChannelGray:
		return toGray(img), nil
	case ChannelBlue, ChannelGreen, ChannelRed, "":
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	pick := channelIndex(ch)
	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				out.Pix[y*out.Stride+x] = row[x*4+pick]
			}
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				out.Pix[y*out.Stride+x] = row[x*4+pick]
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				out.Pix[y*out.Stride+x] = [4]uint8{c.R, c.G, c.B, c.A}[pick]
			}
		}
	}
	return out, nil
}

func channelIndex(ch Channel) int {
	switch ch {
	case ChannelRed:
		return 0
	case ChannelGreen:
		return 1
	default:
		return 2
	}
}

// toGray converts any image to an origin-based *image.Gray using a weighted
// luminance filter.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	g.Draw(dst, img)
	return dst
}

// LoadTemplate decodes a template image from disk into grayscale.
func LoadTemplate(path string) (*image.Gray, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateLoad, path, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: %s: empty image", ErrTemplateLoad, path)
	}
	if g, ok := img.(*image.Gray); ok {
		return rebase(g), nil
	}
	return toGray(img), nil
}
