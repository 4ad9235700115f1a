package viewer

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/casangi/cubepipe/backend"
	"github.com/casangi/cubepipe/cube"
	"github.com/casangi/cubepipe/datasource"
	"github.com/casangi/cubepipe/downsample"
	"github.com/casangi/cubepipe/pipe"
)

func writeCube(t *testing.T, root, name string, shape cube.Shape) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	header := map[string]interface{}{
		"shape":   shape,
		"columns": []string{"data"},
		"dtype":   "float32",
		"transform": map[string]interface{}{
			"axes": []map[string]interface{}{
				{"name": "RA", "unit": "deg", "refpix": 0.0, "refval": 150.0, "delta": -0.001},
				{"name": "Dec", "unit": "deg", "refpix": 0.0, "refval": -30.0, "delta": 0.001},
			},
		},
	}
	raw, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, backend.HeaderFilename), raw, 0644); err != nil {
		t.Fatal(err)
	}

	n := shape.NumElements()
	buf := make([]byte, n*4)
	for i := int64(0); i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(i)))
	}
	if err := os.WriteFile(filepath.Join(dir, "data.dat"), buf, 0644); err != nil {
		t.Fatal(err)
	}
}

func startViewer(t *testing.T, shape cube.Shape, options ...Option) (*Viewer, string) {
	t.Helper()
	root := t.TempDir()
	writeCube(t, root, "test.cube", shape)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := pipe.Endpoint{
		Host: "127.0.0.1",
		Port: l.Addr().(*net.TCPAddr).Port,
		Role: pipe.DataChannel,
	}
	l.Close()

	svc := backend.NewService(root)
	t.Cleanup(func() { svc.Close() })
	server := pipe.NewServer(svc)
	if err := server.Start([]pipe.Endpoint{endpoint}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(server.Shutdown)

	conn, err := pipe.OpenConnection(endpoint, pipe.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn, options...), "test.cube"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestViewerOpenAndFetch(t *testing.T) {
	shape := cube.Shape{64, 48}
	v, name := startViewer(t, shape, WithPrefetchMargin(0))

	opened, err := v.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !opened.Equals(shape) {
		t.Errorf("opened shape %s, want %s", opened, shape)
	}
	if !v.State().Bound() {
		t.Error("open should bind the state machine")
	}
	if _, ok := v.Store().WCS(); !ok {
		t.Error("open should install the header transform")
	}

	vp := downsample.Viewport{
		Lo:     []int64{0, 0},
		Hi:     []int64{63, 47},
		Screen: []int64{64, 48},
	}
	refreshed, err := v.SetViewport(vp)
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed {
		t.Fatal("first viewport should start a fetch")
	}

	waitFor(t, "payload install", func() bool { return v.Store().CurrentSample() != nil })
	sample := v.Store().CurrentSample()
	if !sample.Region.Equals(cube.FullRegion(shape)) {
		t.Errorf("sample region %s, want full cube", sample.Region)
	}
	if !sample.Decimation.IsUnity() {
		t.Errorf("screen matches cube, expected full resolution, got %s", sample.Decimation)
	}
	if sample.Columns["data"][0] != 0 || sample.Columns["data"][1] != 1 {
		t.Errorf("sample data starts %v", sample.Columns["data"][:2])
	}
	waitFor(t, "refresh to settle", func() bool { return !v.State().Refreshing() })

	// The same viewport again needs no refresh.
	refreshed, err = v.SetViewport(vp)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed {
		t.Error("unchanged viewport should be served from state")
	}
}

func TestViewerRegionCacheHit(t *testing.T) {
	shape := cube.Shape{64, 48}
	v, name := startViewer(t, shape, WithPrefetchMargin(0))
	if _, err := v.Open(name); err != nil {
		t.Fatal(err)
	}

	full := downsample.Viewport{Lo: []int64{0, 0}, Hi: []int64{63, 47}, Screen: []int64{64, 48}}
	if _, err := v.SetViewport(full); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "payload install", func() bool { return v.Store().CurrentSample() != nil })
	waitFor(t, "refresh to settle", func() bool { return !v.State().Refreshing() })

	// Force the state to forget, then repeat the viewport: the region
	// cache answers without the backend.
	v.State().Bind(shape)
	refreshed, err := v.SetViewport(full)
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed {
		t.Fatal("rebound state should refresh")
	}
	if v.State().Refreshing() {
		t.Error("cache hit should complete the refresh synchronously")
	}
	if v.Store().CurrentSample() == nil {
		t.Error("cache hit should install a sample")
	}
}

func TestViewerFailureEscalation(t *testing.T) {
	var messages []string
	v := &Viewer{
		state:      downsample.NewState(0),
		store:      datasource.NewStore(0),
		escalation: 3,
		notify:     func(m string) { messages = append(messages, m) },
	}
	v.state.Bind(cube.Shape{16, 16})

	for i := 0; i < 2; i++ {
		v.onError(&cube.ComputeError{RequestID: uint64(i), Reason: "beam mismatch"})
	}
	if len(messages) != 0 {
		t.Fatalf("notifier fired after %d failures, before the threshold", 2)
	}

	v.onError(&cube.TimeoutError{RequestID: 3, Elapsed: time.Second})
	if len(messages) != 1 {
		t.Fatalf("expected one notification at the threshold, got %d", len(messages))
	}

	// The notification reset the count, so the next failure starts over.
	v.onError(&cube.ComputeError{RequestID: 4, Reason: "beam mismatch"})
	v.mu.Lock()
	failures := v.failures
	v.mu.Unlock()
	if failures != 1 {
		t.Errorf("failure count %d after notification reset, want 1", failures)
	}
}

func TestViewerPayloadResetsFailures(t *testing.T) {
	v := &Viewer{
		state: downsample.NewState(0),
		store: datasource.NewStore(0),
	}
	shape := cube.Shape{8, 8}
	v.state.Bind(shape)
	v.failures = 2

	v.onPayload(pipe.Payload{
		ID:         1,
		Region:     cube.FullRegion(shape),
		Decimation: cube.UniformDecimation(2, 1),
		Columns:    cube.Columns{"data": make([]float32, 64)},
	})
	if v.store.CurrentSample() == nil {
		t.Fatal("payload should install a sample")
	}
	if v.failures != 0 {
		t.Errorf("payload should reset failures, got %d", v.failures)
	}

	// A payload that fails state validation must not reach the store.
	v.store.Invalidate()
	v.onPayload(pipe.Payload{
		ID:         2,
		Region:     cube.NewRegion([]int64{0, 0}, []int64{100, 100}),
		Decimation: cube.UniformDecimation(2, 1),
		Columns:    cube.Columns{"data": make([]float32, 10000)},
	})
	if v.store.CurrentSample() != nil {
		t.Error("invalid payload must not install a sample")
	}
}
