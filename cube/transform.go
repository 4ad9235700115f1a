/*
	This file maps pixel coordinates to world (sky) coordinates and back
	given a backend-supplied projection descriptor, and formats axis tick
	labels from those world coordinates.
*/

package cube

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AxisTransform holds the linear projection parameters for one axis.
type AxisTransform struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit"`
	RefPix float64 `json:"refpix"`
	RefVal float64 `json:"refval"`
	Delta  float64 `json:"delta"`
}

// Transform converts pixel coordinates to world coordinates.  Rotation
// couples the first two axes (the sky plane); remaining axes, e.g. the
// spectral axis, are independent linear transforms.
type Transform struct {
	Axes     []AxisTransform `json:"axes"`
	Rotation float64         `json:"rotation"` // radians
}

// NumAxes returns the number of axes the transform covers.
func (t *Transform) NumAxes() int {
	return len(t.Axes)
}

// PixelToWorld converts a full pixel coordinate to world coordinates at
// full precision.
func (t *Transform) PixelToWorld(pixel []float64) ([]float64, error) {
	if len(pixel) != len(t.Axes) {
		return nil, fmt.Errorf("pixel coordinate has %d axes, transform has %d", len(pixel), len(t.Axes))
	}
	world := make([]float64, len(pixel))
	for i, ax := range t.Axes {
		world[i] = ax.RefVal + (pixel[i]-ax.RefPix)*ax.Delta
	}
	if t.Rotation != 0 && len(t.Axes) >= 2 {
		dx := (pixel[0] - t.Axes[0].RefPix) * t.Axes[0].Delta
		dy := (pixel[1] - t.Axes[1].RefPix) * t.Axes[1].Delta
		sin, cos := math.Sincos(t.Rotation)
		world[0] = t.Axes[0].RefVal + dx*cos - dy*sin
		world[1] = t.Axes[1].RefVal + dx*sin + dy*cos
	}
	return world, nil
}

// WorldToPixel is the exact inverse of PixelToWorld within floating-point
// tolerance.
func (t *Transform) WorldToPixel(world []float64) ([]float64, error) {
	if len(world) != len(t.Axes) {
		return nil, fmt.Errorf("world coordinate has %d axes, transform has %d", len(world), len(t.Axes))
	}
	pixel := make([]float64, len(world))
	for i, ax := range t.Axes {
		if ax.Delta == 0 {
			return nil, fmt.Errorf("axis %d has zero scale", i)
		}
		pixel[i] = ax.RefPix + (world[i]-ax.RefVal)/ax.Delta
	}
	if t.Rotation != 0 && len(t.Axes) >= 2 {
		du := world[0] - t.Axes[0].RefVal
		dv := world[1] - t.Axes[1].RefVal
		sin, cos := math.Sincos(-t.Rotation)
		dx := du*cos - dv*sin
		dy := du*sin + dv*cos
		pixel[0] = t.Axes[0].RefPix + dx/t.Axes[0].Delta
		pixel[1] = t.Axes[1].RefPix + dy/t.Axes[1].Delta
	}
	return pixel, nil
}

// worldAt converts a single pixel coordinate along one axis, holding all
// other axes at their reference pixel.
func (t *Transform) worldAt(axis int, pixel float64) (float64, error) {
	if axis < 0 || axis >= len(t.Axes) {
		return 0, fmt.Errorf("axis %d outside transform with %d axes", axis, len(t.Axes))
	}
	full := make([]float64, len(t.Axes))
	for i, ax := range t.Axes {
		full[i] = ax.RefPix
	}
	full[axis] = pixel
	world, err := t.PixelToWorld(full)
	if err != nil {
		return 0, err
	}
	return world[axis], nil
}

// TickMode selects how axis tick labels are rendered.
type TickMode uint8

const (
	// WorldMode renders the first tick as an absolute world coordinate and
	// subsequent ticks as signed deltas from it, truncated to two
	// significant digits.
	WorldMode TickMode = iota

	// PixelMode bypasses the transform and echoes the raw pixel number.
	PixelMode
)

// TickFormatter renders tick labels for one axis.  The Transform is an
// explicit capability passed at construction; there is no package-global
// transform state.  Switching modes only changes label formatting and
// never touches downsample state or triggers a fetch.
type TickFormatter struct {
	transform *Transform
	axis      int
	mode      TickMode
}

// NewTickFormatter returns a formatter for the given axis of a transform.
func NewTickFormatter(t *Transform, axis int) *TickFormatter {
	return &TickFormatter{transform: t, axis: axis, mode: WorldMode}
}

// SetMode switches between world and pixel display.
func (f *TickFormatter) SetMode(mode TickMode) {
	f.mode = mode
}

// Mode returns the current display mode.
func (f *TickFormatter) Mode() TickMode {
	return f.mode
}

// Format renders labels for a displayed tick set.  In world mode the first
// tick is an absolute formatted coordinate and the rest are signed deltas
// from it, so a set like [100.0, 100.5, 101.2] renders as
// ["100.0", "+0.5", "+1.2"].  The underlying transform is always computed
// at full precision; the truncation is purely a display policy.
func (f *TickFormatter) Format(pixels []float64) ([]string, error) {
	labels := make([]string, len(pixels))
	if f.mode == PixelMode || f.transform == nil {
		for i, p := range pixels {
			labels[i] = strconv.FormatFloat(p, 'f', -1, 64)
		}
		return labels, nil
	}
	var first float64
	for i, p := range pixels {
		w, err := f.transform.worldAt(f.axis, p)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = w
			labels[i] = formatAbsolute(w)
		} else {
			labels[i] = formatDelta(w - first)
		}
	}
	return labels, nil
}

// FormatWorld renders labels for world-coordinate values directly, for
// callers that already converted their ticks.
func (f *TickFormatter) FormatWorld(world []float64) []string {
	labels := make([]string, len(world))
	for i, w := range world {
		if i == 0 {
			labels[i] = formatAbsolute(w)
		} else {
			labels[i] = formatDelta(w - world[0])
		}
	}
	return labels
}

func formatAbsolute(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func formatDelta(d float64) string {
	s := strconv.FormatFloat(d, 'g', 2, 64)
	if d >= 0 {
		s = "+" + s
	}
	return s
}
