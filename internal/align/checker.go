package align

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Checker evaluates frames against a fixed pair of templates. It holds no
// per-call state and is safe for concurrent use.
type Checker struct {
	cfg     Config
	left    *image.Gray
	right   *image.Gray
	style   Style
	matcher Matcher
	log     *slog.Logger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithMatcher replaces the default matcher.
func WithMatcher(m Matcher) Option {
	return func(c *Checker) { c.matcher = m }
}

// WithLogger sets the logger that receives deviation diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Checker) { c.log = log }
}

// New loads both reference templates and returns a ready checker. A missing
// or unreadable template fails here rather than on first use.
func New(cfg Config, opts ...Option) (*Checker, error) {
	left, err := LoadTemplate(cfg.LeftTemplate)
	if err != nil {
		return nil, err
	}
	right, err := LoadTemplate(cfg.RightTemplate)
	if err != nil {
		return nil, err
	}
	return NewWithTemplates(cfg, left, right, opts...)
}

// NewWithTemplates builds a checker from templates already in memory.
func NewWithTemplates(cfg Config, left, right *image.Gray, opts ...Option) (*Checker, error) {
	if left == nil || right == nil || left.Rect.Empty() || right.Rect.Empty() {
		return nil, fmt.Errorf("%w: empty template", ErrTemplateLoad)
	}
	style, err := StyleFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	c := &Checker{
		cfg:     cfg,
		left:    rebase(left),
		right:   rebase(right),
		style:   style,
		matcher: defaultMatcher(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the calibration the checker was built with.
func (c *Checker) Config() Config { return c.cfg }

// Evaluate locates both markers in frame, classifies their positions and
// renders the annotated copy. When a marker scores below the confidence floor
// the returned error wraps ErrMarkerNotFound and the Result still carries the
// best guesses and an annotated frame with every flag set to false.
func (c *Checker) Evaluate(ctx context.Context, frame image.Image) (Result, error) {
	if frame == nil {
		return Result{}, fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	plane, err := Plane(frame, c.cfg.Channel)
	if err != nil {
		return Result{}, err
	}

	left, err := c.matcher.Match(ctx, plane, c.left)
	if err != nil {
		return Result{}, fmt.Errorf("match left marker: %w", err)
	}
	right, err := c.matcher.Match(ctx, plane, c.right)
	if err != nil {
		return Result{}, fmt.Errorf("match right marker: %w", err)
	}

	res := Result{
		Left:        left,
		Right:       right,
		Expected:    ExpectedGeometry(frame.Bounds(), c.cfg),
		Measurement: Measure(left, right),
	}

	var missing []string
	if c.cfg.MinScore > 0 {
		if left.Confidence < c.cfg.MinScore {
			missing = append(missing, "left")
		}
		if right.Confidence < c.cfg.MinScore {
			missing = append(missing, "right")
		}
	}
	if len(missing) > 0 {
		res.Annotated = Annotate(frame, left, right, res.Expected, res.Verdict, c.style)
		c.log.Warn("marker not found",
			"markers", missing,
			"left_confidence", left.Confidence,
			"right_confidence", right.Confidence,
			"min_score", c.cfg.MinScore)
		return res, fmt.Errorf("%w: %v below confidence %.2f", ErrMarkerNotFound, missing, c.cfg.MinScore)
	}

	res.Verdict, res.Deviations = Classify(res.Measurement, res.Expected, c.cfg)
	for _, d := range res.Deviations {
		c.log.Warn("image is not aligned",
			"check", d.Check,
			"calculated", d.Calculated,
			"expected", d.Expected,
			"tolerance", d.Tolerance)
	}
	res.Annotated = Annotate(frame, left, right, res.Expected, res.Verdict, c.style)
	return res, nil
}

// EvaluateFile decodes the image at path and evaluates it.
func (c *Checker) EvaluateFile(ctx context.Context, path string) (Result, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open %s: %v", ErrInvalidFrame, path, err)
	}
	return c.Evaluate(ctx, img)
}

// SavePNG writes an annotated frame, creating the parent directory.
func SavePNG(path string, img image.Image) error {
	if img == nil {
		return errors.New("no image to save")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
