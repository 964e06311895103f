// Package align checks that the two reference markers of the rig are framed
// where the camera expects them.
//
// A check locates the left and right marker templates in a frame with
// normalized cross-correlation, compares the marker centers with positions
// derived from the frame size and returns a per-axis verdict together with an
// annotated copy of the frame.
//
// Frames carrying several channels are matched on a single plane selected by
// Config.Channel. The default, ChannelBlue, is what the Pi capture path
// produced historically (channel 0 of a BGR buffer); it is a luminance proxy,
// not a true grayscale conversion. Use ChannelGray for a weighted conversion.
package align

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrTemplateLoad is returned when a reference template cannot be read.
	ErrTemplateLoad = errors.New("align: reference template unavailable")
	// ErrMarkerNotFound is returned when a marker's match confidence is below Config.MinScore.
	ErrMarkerNotFound = errors.New("align: marker not found")
	// ErrInvalidFrame is returned for empty frames or frames smaller than a template.
	ErrInvalidFrame = errors.New("align: invalid frame")
)

// Channel selects the plane used for matching.
type Channel string

const (
	ChannelBlue  Channel = "blue"
	ChannelGreen Channel = "green"
	ChannelRed   Channel = "red"
	ChannelGray  Channel = "gray"
)

// Config carries the rig calibration.
type Config struct {
	YCoefficient        float64 `json:"y_coefficient" validate:"gt=0,lt=1"`
	XCoefficient        float64 `json:"x_coefficient" validate:"gt=0,lt=0.5"`
	HorizontalTolerance int     `json:"horizontal_tolerance" validate:"gte=0"`
	MarkerTolerance     int     `json:"marker_tolerance" validate:"gte=0"`
	LeftTemplate        string  `json:"left_template"`
	RightTemplate       string  `json:"right_template"`
	MinScore            float64 `json:"min_score" validate:"gte=0,lte=1"`
	Channel             Channel `json:"channel" validate:"omitempty,oneof=blue green red gray"`
	Thickness           int     `json:"thickness" validate:"gte=1"`
	PassColor           string  `json:"pass_color" validate:"hexcolor"`
	FailColor           string  `json:"fail_color" validate:"hexcolor"`
	LeftMarkerColor     string  `json:"left_marker_color" validate:"hexcolor"`
	RightMarkerColor    string  `json:"right_marker_color" validate:"hexcolor"`
}

// DefaultConfig returns the calibration of the original rig.
func DefaultConfig() Config {
	return Config{
		YCoefficient:        210.0 / 1000.0,
		XCoefficient:        370.0 / 1000.0,
		HorizontalTolerance: 5,
		MarkerTolerance:     5,
		LeftTemplate:        "resources/marker_left.png",
		RightTemplate:       "resources/marker_right.png",
		MinScore:            0.8,
		Channel:             ChannelBlue,
		Thickness:           2,
		PassColor:           "#00ff00",
		FailColor:           "#ff0000",
		LeftMarkerColor:     "#00ff00",
		RightMarkerColor:    "#0000ff",
	}
}

// Match is the best location of one template inside a frame. Score is the
// TM_CCORR_NORMED value that picked the location; Confidence is the zero-mean
// correlation (TM_CCOEFF_NORMED) of the same window and is what the
// MinScore floor is applied to.
type Match struct {
	Rect       image.Rectangle `json:"rect"`
	Score      float64         `json:"score"`
	Confidence float64         `json:"confidence"`
}

// Center returns the integer midpoint of the match rectangle.
func (m Match) Center() image.Point {
	return image.Pt((m.Rect.Min.X+m.Rect.Max.X)/2, (m.Rect.Min.Y+m.Rect.Max.Y)/2)
}

// Geometry holds the expected guide positions for a frame size.
type Geometry struct {
	Y      int `json:"y"`
	LeftX  int `json:"left_x"`
	RightX int `json:"right_x"`
}

// Verdict is the three-flag outcome of one check.
type Verdict struct {
	Horizontal    bool `json:"horizontal"`
	LeftVertical  bool `json:"left_vertical"`
	RightVertical bool `json:"right_vertical"`
}

// OK reports whether every flag passed.
func (v Verdict) OK() bool {
	return v.Horizontal && v.LeftVertical && v.RightVertical
}

// Map returns the verdict keyed the way operators and the HTTP API read it.
func (v Verdict) Map() map[string]bool {
	return map[string]bool{
		"horizontal":     v.Horizontal,
		"left_vertical":  v.LeftVertical,
		"right_vertical": v.RightVertical,
	}
}

func (v Verdict) String() string {
	return fmt.Sprintf("horizontal=%t left_vertical=%t right_vertical=%t", v.Horizontal, v.LeftVertical, v.RightVertical)
}

// Measurement is what was read off the frame.
type Measurement struct {
	LeftCenter  image.Point `json:"left_center"`
	RightCenter image.Point `json:"right_center"`
	DetectedY   int         `json:"detected_y"`
}

// Deviation describes one failed check.
type Deviation struct {
	Check      string `json:"check"`
	Calculated int    `json:"calculated"`
	Expected   int    `json:"expected"`
	Tolerance  int    `json:"tolerance"`
}

func (d Deviation) String() string {
	return fmt.Sprintf("%s: calculated %d, expected %d, tolerance %d", d.Check, d.Calculated, d.Expected, d.Tolerance)
}

// Result is everything one Evaluate call produced.
type Result struct {
	Verdict     Verdict     `json:"verdict"`
	Left        Match       `json:"left"`
	Right       Match       `json:"right"`
	Expected    Geometry    `json:"expected"`
	Measurement Measurement `json:"measurement"`
	Deviations  []Deviation `json:"deviations,omitempty"`
	Annotated   *image.RGBA `json:"-"`
}
