package downsample

import (
	"testing"

	"github.com/casangi/cubepipe/cube"
)

func fullViewport(extent, screen int64) Viewport {
	return Viewport{
		Lo:     []int64{0, 0},
		Hi:     []int64{extent - 1, extent - 1},
		Screen: []int64{screen, screen},
	}
}

func TestInitialOpenFetchesFullResolution(t *testing.T) {
	s := NewState(0)
	if s.Bound() {
		t.Error("fresh state should not be bound")
	}

	// A viewport before any shape is known yields no plan.
	if _, fetch := s.SetViewport(fullViewport(512, 512)); fetch {
		t.Error("viewport before bind should not trigger a fetch")
	}

	s.Bind(cube.Shape{512, 512})
	if !s.Bound() {
		t.Error("state should be bound after Bind")
	}
	if s.Raw().Initialized() {
		t.Error("raw region should stay uninitialized until a payload lands")
	}

	plan, fetch := s.SetViewport(fullViewport(512, 512))
	if !fetch {
		t.Fatal("first viewport should trigger a fetch")
	}
	if !plan.Region.Equals(cube.FullRegion(cube.Shape{512, 512})) {
		t.Errorf("expected full-cube region, got %s", plan.Region)
	}
	if !plan.Decimation.IsUnity() {
		t.Errorf("screen matching the cube should fetch at full resolution, got %s", plan.Decimation)
	}
	if !s.Refreshing() {
		t.Error("state should be refreshing while the fetch is outstanding")
	}

	raw := cube.FullRegion(cube.Shape{512, 512})
	if err := s.ApplyPayload(raw, plan.Decimation); err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}
	if s.Refreshing() {
		t.Error("payload install should clear refreshing")
	}
	if !s.Sampled().Equals(raw) {
		t.Errorf("unity decimation should leave sampled == raw, got %s", s.Sampled())
	}
}

func TestCoarserViewportServedFromCache(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	plan, _ := s.SetViewport(fullViewport(512, 512))
	if err := s.ApplyPayload(plan.Region, plan.Decimation); err != nil {
		t.Fatal(err)
	}

	// Shrinking the screen makes the cache finer than needed, which the
	// renderer can decimate locally without a round trip.
	if _, fetch := s.SetViewport(fullViewport(512, 128)); fetch {
		t.Error("coarser rendering of cached data should not refetch")
	}

	plan = s.PlanFor(fullViewport(512, 128))
	for i, f := range plan.Decimation {
		if f != 4 {
			t.Errorf("axis %d: expected factor 4 for 512 raw over 128 screen, got %d", i, f)
		}
	}
	want := []int64{128, 128}
	got := plan.SampledExtent()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("axis %d: expected sampled extent %d, got %d", i, want[i], got[i])
		}
	}
}

func TestPanOutsideCoverageRefetches(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	half := cube.NewRegion([]int64{0, 0}, []int64{256, 256})
	if err := s.ApplyPayload(half, cube.UniformDecimation(2, 1)); err != nil {
		t.Fatal(err)
	}

	// Viewport within the cached half: no fetch.
	inside := Viewport{Lo: []int64{10, 10}, Hi: []int64{200, 200}, Screen: []int64{512, 512}}
	if _, fetch := s.SetViewport(inside); fetch {
		t.Error("viewport inside the cached region should not refetch")
	}

	// Pan past the cached edge: fetch, and the plan is in raw coordinates.
	outside := Viewport{Lo: []int64{200, 200}, Hi: []int64{400, 400}, Screen: []int64{512, 512}}
	plan, fetch := s.SetViewport(outside)
	if !fetch {
		t.Fatal("viewport outside the cached region should refetch")
	}
	if plan.Region.Offset[0] != 200 || plan.Region.Extent[0] != 201 {
		t.Errorf("expected raw-space plan (200)+(201) per axis, got %s", plan.Region)
	}
}

func TestZoomInRequestsFinerResolution(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	full := cube.FullRegion(cube.Shape{512, 512})
	if err := s.ApplyPayload(full, cube.UniformDecimation(2, 4)); err != nil {
		t.Fatal(err)
	}
	if !s.Sampled().Equals(cube.NewRegion([]int64{0, 0}, []int64{128, 128})) {
		t.Fatalf("expected 128x128 sampled region, got %s", s.Sampled())
	}

	// Zoom into a quarter of the sampled view with the full screen: needs
	// finer data than the cached factor 4.
	zoom := Viewport{Lo: []int64{0, 0}, Hi: []int64{63, 63}, Screen: []int64{512, 512}}
	plan, fetch := s.SetViewport(zoom)
	if !fetch {
		t.Fatal("zooming past cached resolution should refetch")
	}
	// 64 sampled steps at factor 4 span 253 raw pixels, within 512 screen
	// samples, so the refetch is full resolution.
	if !plan.Decimation.IsUnity() {
		t.Errorf("expected full-resolution refetch, got %s", plan.Decimation)
	}
	if plan.Region.Offset[0] != 0 || plan.Region.Extent[0] != 253 {
		t.Errorf("expected raw region (0)+(253) per axis, got %s", plan.Region)
	}
}

func TestPrefetchMarginExpandsPlan(t *testing.T) {
	s := NewState(0.25)
	s.Bind(cube.Shape{512, 512})

	vp := Viewport{Lo: []int64{200, 200}, Hi: []int64{299, 299}, Screen: []int64{512, 512}}
	plan, fetch := s.SetViewport(vp)
	if !fetch {
		t.Fatal("first viewport should fetch")
	}
	if plan.Region.Offset[0] != 175 || plan.Region.Extent[0] != 150 {
		t.Errorf("expected margin-expanded region (175)+(150) per axis, got %s", plan.Region)
	}
	if err := plan.Region.Validate(cube.Shape{512, 512}); err != nil {
		t.Errorf("expanded plan must stay within the cube: %v", err)
	}
}

func TestPlanNeverDegenerates(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512, 64})

	viewports := []Viewport{
		// Sub-sample viewport, huge screen.
		{Lo: []int64{10, 10, 5}, Hi: []int64{12, 12, 5}, Screen: []int64{2048, 2048, 64}},
		// Tiny screen.
		{Lo: []int64{0, 0, 0}, Hi: []int64{511, 511, 63}, Screen: []int64{1, 1, 1}},
		// Inverted bounds.
		{Lo: []int64{300, 300, 20}, Hi: []int64{100, 100, 10}, Screen: []int64{256, 256, 32}},
		// Out of range bounds clamp.
		{Lo: []int64{-50, 400, 0}, Hi: []int64{600, 700, 100}, Screen: []int64{512, 512, 0}},
	}
	for _, vp := range viewports {
		plan := s.PlanFor(vp)
		if err := plan.Region.Validate(cube.Shape{512, 512, 64}); err != nil {
			t.Errorf("%s: invalid plan region %s: %v", vp, plan.Region, err)
		}
		if err := plan.Decimation.Validate(); err != nil {
			t.Errorf("%s: invalid plan decimation %s: %v", vp, plan.Decimation, err)
		}
		for i, extent := range plan.SampledExtent() {
			if extent < 1 {
				t.Errorf("%s: axis %d sampled extent %d", vp, i, extent)
			}
		}
	}
}

func TestTinyScreenCoarsensToOneSample(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	// A one-sample screen coarsens each axis down to a single value
	// instead of shipping the full-resolution extent.
	vp := Viewport{Lo: []int64{0, 0}, Hi: []int64{511, 511}, Screen: []int64{1, 1}}
	plan := s.PlanFor(vp)
	if !plan.Decimation.Equals(cube.UniformDecimation(2, 512)) {
		t.Errorf("expected factor 512 per axis, got %s", plan.Decimation)
	}
	for i, extent := range plan.SampledExtent() {
		if extent != 1 {
			t.Errorf("axis %d: expected one sample, got %d", i, extent)
		}
	}
}

func TestRebind(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})
	full := cube.FullRegion(cube.Shape{512, 512})
	if err := s.ApplyPayload(full, cube.UniformDecimation(2, 1)); err != nil {
		t.Fatal(err)
	}

	// Rebinding to the same shape keeps the cache.
	s.Rebind(cube.Shape{512, 512})
	if !s.Raw().Initialized() {
		t.Error("rebind to an unchanged shape should keep cached data")
	}

	// A narrower shape invalidates it.
	s.Rebind(cube.Shape{256, 256})
	if s.Raw().Initialized() {
		t.Error("rebind to a narrower shape should invalidate cached data")
	}
	if s.Decimation() != nil {
		t.Error("invalidation should clear the cached decimation")
	}
}

func TestFetchFailedKeepsLastGood(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	half := cube.NewRegion([]int64{0, 0}, []int64{256, 256})
	if err := s.ApplyPayload(half, cube.UniformDecimation(2, 1)); err != nil {
		t.Fatal(err)
	}

	outside := Viewport{Lo: []int64{200, 200}, Hi: []int64{400, 400}, Screen: []int64{512, 512}}
	if _, fetch := s.SetViewport(outside); !fetch {
		t.Fatal("viewport past the cached half should refetch")
	}
	s.FetchFailed()
	if s.Refreshing() {
		t.Error("fetch failure should clear refreshing")
	}
	if !s.Raw().Equals(half) {
		t.Errorf("failed fetch must keep the last good region, got %s", s.Raw())
	}
	if !s.Sampled().Equals(half) {
		t.Errorf("failed fetch must keep the last good sample, got %s", s.Sampled())
	}
}

func TestApplyPayloadValidates(t *testing.T) {
	s := NewState(0)
	s.Bind(cube.Shape{512, 512})

	oversize := cube.NewRegion([]int64{0, 0}, []int64{600, 600})
	if err := s.ApplyPayload(oversize, cube.UniformDecimation(2, 1)); err == nil {
		t.Error("payload region outside the shape should be rejected")
	}
	good := cube.FullRegion(cube.Shape{512, 512})
	if err := s.ApplyPayload(good, cube.Decimation{0, 1}); err == nil {
		t.Error("zero decimation factor should be rejected")
	}
	if s.Raw().Initialized() {
		t.Error("rejected payloads must not alter state")
	}
}
