package align

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Matcher finds the single best location of a template in a frame.
type Matcher interface {
	Match(ctx context.Context, frame, tmpl *image.Gray) (Match, error)
}

// NCCMatcher is an exhaustive normalized cross-correlation search equivalent
// to OpenCV's TM_CCORR_NORMED. Ties resolve to the first position in raster
// order. The winning window is then rescored with zeroMeanScore.
type NCCMatcher struct {
	Workers int
}

type candidate struct {
	score float64
	x, y  int
}

func (c candidate) beats(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	if c.y != o.y {
		return c.y < o.y
	}
	return c.x < o.x
}

// Match implements Matcher.
func (m NCCMatcher) Match(ctx context.Context, frame, tmpl *image.Gray) (Match, error) {
	frame, tmpl = rebase(frame), rebase(tmpl)
	fw, fh := frame.Rect.Dx(), frame.Rect.Dy()
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	if tw == 0 || th == 0 {
		return Match{}, fmt.Errorf("%w: empty template", ErrInvalidFrame)
	}
	if tw > fw || th > fh {
		return Match{}, fmt.Errorf("%w: template %dx%d larger than frame %dx%d", ErrInvalidFrame, tw, th, fw, fh)
	}

	var tEnergy int64
	for y := 0; y < th; y++ {
		row := tmpl.Pix[y*tmpl.Stride : y*tmpl.Stride+tw]
		for _, p := range row {
			tEnergy += int64(p) * int64(p)
		}
	}

	sq := squaredIntegral(frame)
	iw := fw + 1
	rows, cols := fh-th+1, fw-tw+1

	workers := m.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > rows {
		workers = rows
	}

	bests := make([]candidate, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			best := candidate{score: -1}
			for y := w; y < rows; y += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				for x := 0; x < cols; x++ {
					energy := sq[(y+th)*iw+x+tw] - sq[y*iw+x+tw] - sq[(y+th)*iw+x] + sq[y*iw+x]
					score := 0.0
					if energy > 0 && tEnergy > 0 {
						var dot int64
						for ty := 0; ty < th; ty++ {
							frow := frame.Pix[(y+ty)*frame.Stride+x : (y+ty)*frame.Stride+x+tw]
							trow := tmpl.Pix[ty*tmpl.Stride : ty*tmpl.Stride+tw]
							for i, p := range trow {
								dot += int64(p) * int64(frow[i])
							}
						}
						score = float64(dot) / math.Sqrt(float64(energy)*float64(tEnergy))
					}
					if c := (candidate{score: score, x: x, y: y}); c.beats(best) {
						best = c
					}
				}
			}
			bests[w] = best
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Match{}, err
	}

	best := bests[0]
	for _, c := range bests[1:] {
		if c.beats(best) {
			best = c
		}
	}
	at := image.Pt(best.x, best.y)
	return Match{
		Rect:       image.Rectangle{Min: at, Max: at.Add(image.Pt(tw, th))},
		Score:      best.score,
		Confidence: zeroMeanScore(frame, tmpl, at),
	}, nil
}

// zeroMeanScore is TM_CCOEFF_NORMED for the template placed at p. A uniform
// window scores 0 however bright it is. A uniform template has no zero-mean
// signal, so its raw correlation is returned instead.
func zeroMeanScore(frame, tmpl *image.Gray, p image.Point) float64 {
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	n := float64(tw * th)
	var st, sf, stt, sff, stf float64
	for y := 0; y < th; y++ {
		frow := frame.Pix[(p.Y+y)*frame.Stride+p.X : (p.Y+y)*frame.Stride+p.X+tw]
		trow := tmpl.Pix[y*tmpl.Stride : y*tmpl.Stride+tw]
		for i, tp := range trow {
			t, f := float64(tp), float64(frow[i])
			st += t
			sf += f
			stt += t * t
			sff += f * f
			stf += t * f
		}
	}
	varT := stt - st*st/n
	varF := sff - sf*sf/n
	if varT <= 0 {
		if stt == 0 || sff == 0 {
			return 0
		}
		return stf / math.Sqrt(stt*sff)
	}
	if varF <= 0 {
		return 0
	}
	return (stf - st*sf/n) / math.Sqrt(varT*varF)
}

// squaredIntegral returns the summed-area table of squared intensities with a
// leading zero row and column.
func squaredIntegral(img *image.Gray) []int64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	iw := w + 1
	sq := make([]int64, iw*(h+1))
	for y := 0; y < h; y++ {
		var run int64
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, p := range row {
			run += int64(p) * int64(p)
			sq[(y+1)*iw+x+1] = sq[y*iw+x+1] + run
		}
	}
	return sq
}

// rebase returns img with its bounds moved to the origin.
func rebase(img *image.Gray) *image.Gray {
	if img.Rect.Min == (image.Point{}) {
		return img
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		copy(out.Pix[y*out.Stride:y*out.Stride+w], src[:w])
	}
	return out
}
