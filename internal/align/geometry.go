package align

import "image"

// ExpectedGeometry derives guide positions from the frame bounds.
func ExpectedGeometry(bounds image.Rectangle, cfg Config) Geometry {
	w, h := bounds.Dx(), bounds.Dy()
	left := int(float64(w) * cfg.XCoefficient)
	return Geometry{
		Y:      int(float64(h) * cfg.YCoefficient),
		LeftX:  left,
		RightX: w - left,
	}
}

// Measure reads marker centers and the detected guide row from two matches.
// Match rectangles are frame-relative.
func Measure(left, right Match) Measurement {
	lc, rc := left.Center(), right.Center()
	return Measurement{
		LeftCenter:  lc,
		RightCenter: rc,
		DetectedY:   (lc.Y + rc.Y) / 2,
	}
}

// Classify compares a measurement with the expected geometry. The three
// checks are independent and a deviation equal to the tolerance passes.
func Classify(m Measurement, g Geometry, cfg Config) (Verdict, []Deviation) {
	v := Verdict{Horizontal: true, LeftVertical: true, RightVertical: true}
	var devs []Deviation

	if abs(m.DetectedY-g.Y) > cfg.HorizontalTolerance {
		v.Horizontal = false
		devs = append(devs, Deviation{Check: "horizontal", Calculated: m.DetectedY, Expected: g.Y, Tolerance: cfg.HorizontalTolerance})
	}
	if abs(m.LeftCenter.X-g.LeftX) > cfg.MarkerTolerance {
		v.LeftVertical = false
		devs = append(devs, Deviation{Check: "left_vertical", Calculated: m.LeftCenter.X, Expected: g.LeftX, Tolerance: cfg.MarkerTolerance})
	}
	if abs(m.RightCenter.X-g.RightX) > cfg.MarkerTolerance {
		v.RightVertical = false
		devs = append(devs, Deviation{Check: "right_vertical", Calculated: m.RightCenter.X, Expected: g.RightX, Tolerance: cfg.MarkerTolerance})
	}
	return v, devs
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
