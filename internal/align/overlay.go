package align

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Style is the resolved overlay palette.
type Style struct {
	Pass      color.RGBA
	Fail      color.RGBA
	Left      color.RGBA
	Right     color.RGBA
	Thickness int
}

// StyleFromConfig parses the configured hex colours.
func StyleFromConfig(cfg Config) (Style, error) {
	s := Style{Thickness: cfg.Thickness}
	if s.Thickness < 1 {
		s.Thickness = 1
	}
	for _, c := range []struct {
		hex string
		dst *color.RGBA
	}{
		{cfg.PassColor, &s.Pass},
		{cfg.FailColor, &s.Fail},
		{cfg.LeftMarkerColor, &s.Left},
		{cfg.RightMarkerColor, &s.Right},
	} {
		parsed, err := colorful.Hex(c.hex)
		if err != nil {
			return Style{}, fmt.Errorf("overlay colour %q: %w", c.hex, err)
		}
		r, g, b := parsed.RGB255()
		*c.dst = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return s, nil
}

// Annotate draws the marker rectangles and the three guide lines onto a copy
// of frame. Match rectangles are frame-relative. The input is never modified.
func Annotate(frame image.Image, left, right Match, g Geometry, v Verdict, s Style) *image.RGBA {
	b := frame.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, frame, b.Min, draw.Src)

	t := s.Thickness
	if t < 1 {
		t = 1
	}
	outline(dst, left.Rect.Add(b.Min), s.Left, t)
	outline(dst, right.Rect.Add(b.Min), s.Right, t)

	band(dst, image.Rect(b.Min.X, b.Min.Y+g.Y, b.Max.X, b.Min.Y+g.Y), lineColor(v.Horizontal, s), t)
	band(dst, image.Rect(b.Min.X+g.LeftX, b.Min.Y, b.Min.X+g.LeftX, b.Max.Y), lineColor(v.LeftVertical, s), t)
	band(dst, image.Rect(b.Min.X+g.RightX, b.Min.Y, b.Min.X+g.RightX, b.Max.Y), lineColor(v.RightVertical, s), t)
	return dst
}

func lineColor(pass bool, s Style) color.RGBA {
	if pass {
		return s.Pass
	}
	return s.Fail
}

// outline strokes the border of r with a stroke centered on the edges.
func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA, t int) {
	band(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y), c, t)
	band(dst, image.Rect(r.Min.X, r.Max.Y, r.Max.X, r.Max.Y), c, t)
	band(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X, r.Max.Y), c, t)
	band(dst, image.Rect(r.Max.X, r.Min.Y, r.Max.X, r.Max.Y), c, t)
}

// band fills a degenerate rectangle (a horizontal or vertical segment)
// widened to thickness t around the segment, clipped to dst.
func band(dst *image.RGBA, seg image.Rectangle, c color.RGBA, t int) {
	lo, hi := t/2, t-t/2
	r := image.Rect(seg.Min.X-lo, seg.Min.Y-lo, seg.Max.X+hi, seg.Max.Y+hi).Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}
