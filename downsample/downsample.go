/*
	Package downsample tracks what subset and resolution of a remote cube
	the renderer currently needs.  The state is the tuple (shape, raw,
	sampled, viewport): shape is the full remote array, raw the region
	currently materialized, sampled its decimated rendering, and viewport
	the live window the renderer reports.  The state decides when a viewport
	change requires a re-fetch and computes the target region and decimation
	for it.
*/

package downsample

import (
	"fmt"
	"sync"

	"github.com/casangi/cubepipe/cube"
)

// DefaultPrefetchMargin expands a fetch beyond the viewport by this
// fraction per side so small pans are served from cache.
const DefaultPrefetchMargin = 0.25

// Viewport is the pixel window currently rendered, expressed in the same
// coordinate space as the sampled data.  Screen gives the number of
// on-screen samples available per axis; 0 means native resolution.
type Viewport struct {
	Lo     []int64
	Hi     []int64
	Screen []int64
}

// NumDims returns the number of axes.
func (v Viewport) NumDims() int {
	return len(v.Lo)
}

func (v Viewport) String() string {
	return fmt.Sprintf("viewport [%v..%v] into %v screen samples", v.Lo, v.Hi, v.Screen)
}

// Plan is the fetch a viewport change calls for.
type Plan struct {
	Region     cube.Region
	Decimation cube.Decimation
}

// SampledExtent returns the shape of the array the plan will deliver.
func (p Plan) SampledExtent() []int64 {
	return p.Decimation.SampledExtent(p.Region.Extent)
}

// State is the adaptive-resolution state machine.  It is owned by the
// rendering context; payload installs arrive from the transport goroutine,
// so mutation is guarded.
type State struct {
	mu         sync.Mutex
	shape      cube.Shape
	raw        cube.Region
	sampled    cube.Region
	dec        cube.Decimation
	viewport   Viewport
	margin     float64
	refreshing bool
}

// NewState returns an uninitialized State with the given prefetch margin.
// Negative margins fall back to the default.
func NewState(margin float64) *State {
	if margin < 0 {
		margin = DefaultPrefetchMargin
	}
	return &State{margin: margin}
}

// Bind fixes the cube shape, moving Uninitialized to Bound.  The shape
// never changes again for the session; use Rebind when a cube is reopened.
func (s *State) Bind(shape cube.Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = shape.Duplicate()
	s.raw = cube.UninitializedRegion(len(shape))
	s.sampled = cube.UninitializedRegion(len(shape))
	s.dec = nil
}

// Rebind installs a new shape after a cube is reopened.  If the backend
// now reports a shape narrower than the cached raw region, the cache is
// invalidated outright rather than partially reused; subsequent requests
// clamp to the new bounds.
func (s *State) Rebind(shape cube.Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invalidate := len(shape) != len(s.shape)
	if !invalidate && s.raw.Initialized() {
		for i := range shape {
			if s.raw.Offset[i]+s.raw.Extent[i] > shape[i] {
				invalidate = true
				break
			}
		}
	}
	s.shape = shape.Duplicate()
	if invalidate || !s.raw.Initialized() {
		s.raw = cube.UninitializedRegion(len(shape))
		s.sampled = cube.UninitializedRegion(len(shape))
		s.dec = nil
		s.refreshing = false
	}
}

// Bound returns true once a shape has been fixed.
func (s *State) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shape) > 0
}

// Shape returns the full cube shape, nil while uninitialized.
func (s *State) Shape() cube.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shape.Duplicate()
}

// Raw returns the raw region currently materialized.
func (s *State) Raw() cube.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw.Duplicate()
}

// Sampled returns the sampled (rendered) region derived from Raw.
func (s *State) Sampled() cube.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampled.Duplicate()
}

// Decimation returns the factors relating Raw to Sampled, nil before the
// first payload.
func (s *State) Decimation() cube.Decimation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return nil
	}
	return s.dec.Duplicate()
}

// Viewport returns the live viewport last reported by the renderer.
func (s *State) Viewport() Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Refreshing reports whether a fetch is outstanding.
func (s *State) Refreshing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshing
}

// SetViewport records a viewport change and reports whether the cached
// sampled data still suffices.  When it does not, because the viewport
// leaves the covered region or needs a finer decimation than cached, the
// returned
// Plan holds the region (viewport expanded by the prefetch margin, clamped
// to the shape) and decimation to fetch, and the state enters Refreshing.
func (s *State) SetViewport(vp Viewport) (Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = vp
	if len(s.shape) == 0 || vp.NumDims() != len(s.shape) {
		return Plan{}, false
	}

	plan := s.planLocked(vp)
	if !s.needsRefreshLocked(plan) {
		return Plan{}, false
	}
	s.refreshing = true
	return plan, true
}

// PlanFor computes the fetch plan a viewport implies without mutating the
// state, for callers that re-sample locally or inspect the target
// resolution.
func (s *State) PlanFor(vp Viewport) Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planLocked(vp)
}

// planLocked translates a viewport in sampled coordinates to a raw-space
// target region plus decimation factors.
func (s *State) planLocked(vp Viewport) Plan {
	ndims := len(s.shape)
	offset := make([]int64, ndims)
	extent := make([]int64, ndims)
	factors := make(cube.Decimation, ndims)

	for i := 0; i < ndims; i++ {
		// Current sampled coordinates map to raw through the active
		// decimation; identity before the first fetch.
		factor := int64(1)
		base := int64(0)
		if s.dec != nil && s.raw.Initialized() {
			factor = s.dec[i]
			base = s.raw.Offset[i]
		}
		lo := base + vp.Lo[i]*factor
		hi := base + vp.Hi[i]*factor

		if lo > hi {
			lo, hi = hi, lo
		}
		if lo < 0 {
			lo = 0
		}
		if hi >= s.shape[i] {
			hi = s.shape[i] - 1
		}
		if lo >= s.shape[i] {
			lo = s.shape[i] - 1
		}

		offset[i] = lo
		extent[i] = hi - lo + 1

		screen := int64(0)
		if i < len(vp.Screen) {
			screen = vp.Screen[i]
		}
		factors[i] = targetFactor(extent[i], screen)
	}

	region := cube.Region{Offset: offset, Extent: extent}.Expand(s.margin, s.shape)
	return Plan{Region: region, Decimation: factors}
}

// targetFactor derives the decimation factor for one axis:
// ceil(rawExtent/screenSamples), clamped to a minimum of 1 since the pipe
// never upsamples.  Factors cap at the raw extent so the axis always
// yields at least one sample and never a zero-extent fetch.
func targetFactor(rawExtent, screen int64) int64 {
	if screen <= 0 || rawExtent <= screen {
		return 1
	}
	factor := (rawExtent + screen - 1) / screen
	if factor > rawExtent {
		factor = rawExtent
	}
	return factor
}

// needsRefreshLocked applies the refresh policy: fetch when nothing is
// cached yet, when the plan's region is not covered by the raw cache, or
// when the plan needs finer factors than the cache holds.
func (s *State) needsRefreshLocked(plan Plan) bool {
	if !s.raw.Initialized() || s.dec == nil {
		return true
	}
	if !s.raw.Contains(plan.Region) {
		return true
	}
	for i := range plan.Decimation {
		if plan.Decimation[i] < s.dec[i] {
			return true
		}
	}
	return false
}

// ApplyPayload atomically replaces raw and sampled after a fetch lands,
// moving Refreshing back to Bound.  The viewport is left untouched; it
// reflects the renderer's live state.
func (s *State) ApplyPayload(raw cube.Region, dec cube.Decimation) error {
	if err := dec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := raw.Validate(s.shape); err != nil {
		return err
	}
	s.raw = raw.Duplicate()
	s.dec = dec.Duplicate()
	s.sampled = dec.SampledRegion(raw)
	s.refreshing = false
	return nil
}

// FetchFailed records a compute or timeout failure for the in-flight
// fetch.  The previous raw and sampled data stay in place so the display
// keeps its last good sample.
func (s *State) FetchFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshing = false
}
