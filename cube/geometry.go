/*
	This file holds the core geometry for cube streaming: the shape of the
	full remote array, axis-aligned regions within it, and the integer
	decimation factors that relate raw regions to their sampled renderings.
*/

package cube

import (
	"fmt"
	"strings"
)

// Shape is the ordered extent of each axis of a cube, e.g. (x, y, channel).
// A Shape is fixed for the lifetime of one cube session and changes only
// when a cube is (re)opened.
type Shape []int64

// NumDims returns the number of axes.
func (s Shape) NumDims() int {
	return len(s)
}

// NumElements returns the total number of array elements, or 0 for an
// empty shape.
func (s Shape) NumElements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, extent := range s {
		n *= extent
	}
	return n
}

// Equals returns true if both shapes have identical axis extents.
func (s Shape) Equals(s2 Shape) bool {
	if len(s) != len(s2) {
		return false
	}
	for i, extent := range s {
		if s2[i] != extent {
			return false
		}
	}
	return true
}

// Duplicate returns a copy that shares no backing array.
func (s Shape) Duplicate() Shape {
	dup := make(Shape, len(s))
	copy(dup, s)
	return dup
}

func (s Shape) String() string {
	return axesString([]int64(s))
}

// Region is an axis-aligned box describing a materialized subset of a cube.
// Offset and Extent have one entry per axis.
type Region struct {
	Offset []int64
	Extent []int64
}

// NewRegion returns a Region with copies of the given offset and extent.
func NewRegion(offset, extent []int64) Region {
	r := Region{
		Offset: make([]int64, len(offset)),
		Extent: make([]int64, len(extent)),
	}
	copy(r.Offset, offset)
	copy(r.Extent, extent)
	return r
}

// FullRegion returns the Region covering an entire cube.
func FullRegion(shape Shape) Region {
	r := Region{
		Offset: make([]int64, len(shape)),
		Extent: make([]int64, len(shape)),
	}
	copy(r.Extent, shape)
	return r
}

// UninitializedRegion returns a Region with -1 offsets and extents, the
// sentinel for "no data fetched yet".
func UninitializedRegion(ndims int) Region {
	r := Region{
		Offset: make([]int64, ndims),
		Extent: make([]int64, ndims),
	}
	for i := 0; i < ndims; i++ {
		r.Offset[i] = -1
		r.Extent[i] = -1
	}
	return r
}

// Initialized returns false while the Region still holds the -1 sentinel
// on any axis.
func (r Region) Initialized() bool {
	if len(r.Extent) == 0 {
		return false
	}
	for i := range r.Extent {
		if r.Offset[i] < 0 || r.Extent[i] < 0 {
			return false
		}
	}
	return true
}

// NumDims returns the number of axes.
func (r Region) NumDims() int {
	return len(r.Extent)
}

// NumElements returns the product of the extents.
func (r Region) NumElements() int64 {
	if len(r.Extent) == 0 {
		return 0
	}
	n := int64(1)
	for _, extent := range r.Extent {
		n *= extent
	}
	return n
}

// Validate checks the Region against a cube shape, returning a RegionError
// if any offset is negative, any extent is non-positive, or the box pokes
// outside the shape.  This runs before any request hits the wire.
func (r Region) Validate(shape Shape) error {
	if len(r.Offset) != len(r.Extent) {
		return &RegionError{Reason: fmt.Sprintf("offset has %d axes but extent has %d", len(r.Offset), len(r.Extent))}
	}
	if len(r.Extent) != len(shape) {
		return &RegionError{Reason: fmt.Sprintf("region has %d axes but cube shape %s has %d", len(r.Extent), shape, len(shape))}
	}
	for i := range r.Extent {
		if r.Offset[i] < 0 {
			return &RegionError{Reason: fmt.Sprintf("negative offset %d on axis %d", r.Offset[i], i)}
		}
		if r.Extent[i] <= 0 {
			return &RegionError{Reason: fmt.Sprintf("non-positive extent %d on axis %d", r.Extent[i], i)}
		}
		if r.Offset[i]+r.Extent[i] > shape[i] {
			return &RegionError{Reason: fmt.Sprintf("axis %d spans [%d,%d) outside shape %s", i, r.Offset[i], r.Offset[i]+r.Extent[i], shape)}
		}
	}
	return nil
}

// Contains returns true if r2 lies entirely within r on every axis.
func (r Region) Contains(r2 Region) bool {
	if len(r.Extent) != len(r2.Extent) {
		return false
	}
	for i := range r.Extent {
		if r2.Offset[i] < r.Offset[i] {
			return false
		}
		if r2.Offset[i]+r2.Extent[i] > r.Offset[i]+r.Extent[i] {
			return false
		}
	}
	return true
}

// Overlaps returns true if the two regions share any element.
func (r Region) Overlaps(r2 Region) bool {
	if len(r.Extent) != len(r2.Extent) {
		return false
	}
	for i := range r.Extent {
		if r.Offset[i]+r.Extent[i] <= r2.Offset[i] {
			return false
		}
		if r2.Offset[i]+r2.Extent[i] <= r.Offset[i] {
			return false
		}
	}
	return true
}

// Equals returns true if both regions have identical offsets and extents.
func (r Region) Equals(r2 Region) bool {
	if len(r.Extent) != len(r2.Extent) {
		return false
	}
	for i := range r.Extent {
		if r.Offset[i] != r2.Offset[i] || r.Extent[i] != r2.Extent[i] {
			return false
		}
	}
	return true
}

// Clamp returns the Region trimmed to fit within shape.  Extents never
// drop below 1 element per axis.
func (r Region) Clamp(shape Shape) Region {
	clamped := NewRegion(r.Offset, r.Extent)
	for i := range clamped.Extent {
		if clamped.Offset[i] < 0 {
			clamped.Offset[i] = 0
		}
		if clamped.Offset[i] >= shape[i] {
			clamped.Offset[i] = shape[i] - 1
		}
		if clamped.Offset[i]+clamped.Extent[i] > shape[i] {
			clamped.Extent[i] = shape[i] - clamped.Offset[i]
		}
		if clamped.Extent[i] < 1 {
			clamped.Extent[i] = 1
		}
	}
	return clamped
}

// Expand grows the Region by the given fractional margin on each side of
// every axis, then clamps to shape.  Used to prefetch beyond the viewport
// so small pans don't trigger refetches.
func (r Region) Expand(margin float64, shape Shape) Region {
	if margin <= 0 {
		return r.Clamp(shape)
	}
	grown := NewRegion(r.Offset, r.Extent)
	for i := range grown.Extent {
		pad := int64(float64(grown.Extent[i]) * margin)
		grown.Offset[i] -= pad
		grown.Extent[i] += 2 * pad
	}
	return grown.Clamp(shape)
}

// Duplicate returns a copy that shares no backing arrays.
func (r Region) Duplicate() Region {
	return NewRegion(r.Offset, r.Extent)
}

func (r Region) String() string {
	return fmt.Sprintf("%s+%s", axesString(r.Offset), axesString(r.Extent))
}

// Decimation holds one integer downsampling factor per axis.  A factor of
// 1 means full resolution; factors below 1 are invalid since the pipe
// never upsamples.
type Decimation []int64

// UniformDecimation returns a Decimation with the same factor on every axis.
func UniformDecimation(ndims int, factor int64) Decimation {
	d := make(Decimation, ndims)
	for i := range d {
		d[i] = factor
	}
	return d
}

// Validate returns a RegionError if any factor is below 1.
func (d Decimation) Validate() error {
	for i, factor := range d {
		if factor < 1 {
			return &RegionError{Reason: fmt.Sprintf("decimation factor %d on axis %d below 1", factor, i)}
		}
	}
	return nil
}

// IsUnity returns true if every factor is 1.
func (d Decimation) IsUnity() bool {
	for _, factor := range d {
		if factor != 1 {
			return false
		}
	}
	return true
}

// SampledExtent returns ceil(extent/factor) per axis: the shape of the
// array actually shipped for a raw region decimated by d.
func (d Decimation) SampledExtent(extent []int64) []int64 {
	sampled := make([]int64, len(extent))
	for i, e := range extent {
		sampled[i] = (e + d[i] - 1) / d[i]
	}
	return sampled
}

// SampledRegion derives the sampled-space Region for a raw Region
// decimated by d.
func (d Decimation) SampledRegion(raw Region) Region {
	sampled := Region{
		Offset: make([]int64, len(raw.Offset)),
		Extent: d.SampledExtent(raw.Extent),
	}
	for i, off := range raw.Offset {
		sampled.Offset[i] = off / d[i]
	}
	return sampled
}

// Equals returns true if both decimations hold identical factors.
func (d Decimation) Equals(d2 Decimation) bool {
	if len(d) != len(d2) {
		return false
	}
	for i, factor := range d {
		if factor != d2[i] {
			return false
		}
	}
	return true
}

// Duplicate returns a copy that shares no backing array.
func (d Decimation) Duplicate() Decimation {
	dup := make(Decimation, len(d))
	copy(dup, d)
	return dup
}

func (d Decimation) String() string {
	return axesString([]int64(d))
}

func axesString(v []int64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%d", x)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
