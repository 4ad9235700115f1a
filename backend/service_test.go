package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/casangi/cubepipe/cube"
)

func TestServiceOpenCube(t *testing.T) {
	root := t.TempDir()
	dir := writeCube(t, cube.Shape{8, 6}, true)
	name := "m31.cube"
	if err := os.Rename(dir, filepath.Join(root, name)); err != nil {
		t.Fatal(err)
	}

	svc := NewService(root)
	defer svc.Close()

	shape, transform, err := svc.OpenCube(name)
	if err != nil {
		t.Fatalf("OpenCube: %v", err)
	}
	if !shape.Equals(cube.Shape{8, 6}) {
		t.Errorf("shape %s, want (8,6)", shape)
	}
	if transform == nil {
		t.Error("expected the header transform")
	}

	// Reopening the same cube is idempotent.
	again, _, err := svc.OpenCube(name)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !again.Equals(shape) {
		t.Errorf("reopen shape %s, want %s", again, shape)
	}

	columns, _, err := svc.Fetch(cube.NewRegion([]int64{0, 0}, []int64{2, 2}), cube.UniformDecimation(2, 1))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []float32{0, 1, 100, 101}
	for i, v := range want {
		if columns["data"][i] != v {
			t.Errorf("value %d: got %v, want %v", i, columns["data"][i], v)
		}
	}
}

func TestServiceRequiresOpenCube(t *testing.T) {
	svc := NewService(t.TempDir())
	defer svc.Close()
	if _, _, err := svc.Fetch(cube.NewRegion([]int64{0}, []int64{1}), cube.Decimation{1}); err == nil {
		t.Error("fetch without an open cube should fail")
	}
}

func TestServiceResolve(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root)

	if _, err := svc.resolve("../outside.cube"); err == nil {
		t.Error("paths escaping the root must be rejected")
	}
	resolved, err := svc.resolve("sub/inside.cube")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != filepath.Join(root, "sub", "inside.cube") {
		t.Errorf("resolved to %q", resolved)
	}

	abs := filepath.Join(root, "direct.cube")
	resolved, err = svc.resolve(abs)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != abs {
		t.Errorf("absolute path resolved to %q", resolved)
	}

	bare := NewService("")
	if _, err := bare.resolve("relative.cube"); err == nil {
		t.Error("relative paths need a configured root")
	}
}
