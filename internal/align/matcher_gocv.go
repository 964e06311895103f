//go:build gocv

package align

import (
	"context"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

func defaultMatcher() Matcher {
	return GoCVMatcher{}
}

// GoCVMatcher delegates the search to OpenCV.
type GoCVMatcher struct{}

// Match implements Matcher.
func (GoCVMatcher) Match(ctx context.Context, frame, tmpl *image.Gray) (Match, error) {
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}
	frame, tmpl = rebase(frame), rebase(tmpl)
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	if tw == 0 || th == 0 || tw > frame.Rect.Dx() || th > frame.Rect.Dy() {
		return Match{}, fmt.Errorf("%w: template %dx%d does not fit frame %v", ErrInvalidFrame, tw, th, frame.Rect.Size())
	}

	src, err := gocv.ImageGrayToMatGray(frame)
	if err != nil {
		return Match{}, fmt.Errorf("frame to mat: %w", err)
	}
	defer src.Close()
	t, err := gocv.ImageGrayToMatGray(tmpl)
	if err != nil {
		return Match{}, fmt.Errorf("template to mat: %w", err)
	}
	defer t.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(src, t, &result, gocv.TmCcorrNormed, mask)
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)
	rect := image.Rectangle{Min: maxLoc, Max: maxLoc.Add(image.Pt(tw, th))}

	return Match{
		Rect:       rect,
		Score:      float64(maxVal),
		Confidence: ccoeffAt(src, t, rect, mask),
	}, nil
}

// ccoeffAt scores the single window rect with TM_CCOEFF_NORMED.
func ccoeffAt(src, tmpl gocv.Mat, rect image.Rectangle, mask gocv.Mat) float64 {
	window := src.Region(rect)
	defer window.Close()
	out := gocv.NewMat()
	defer out.Close()
	gocv.MatchTemplate(window, tmpl, &out, gocv.TmCcoeffNormed, mask)
	v := float64(out.GetFloatAt(0, 0))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
