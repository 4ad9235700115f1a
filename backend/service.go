package backend

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/casangi/cubepipe/cube"
)

// Version identifies the backend engine during diagnostics.
var Version = semver.MustParse("0.1.0")

// Service implements pipe.Backend over on-disk cube stores.  One cube is
// open at a time per service; opening another closes the previous store.
type Service struct {
	root string

	mu    sync.Mutex
	store *Store
}

// NewService returns a Service resolving relative cube paths under root.
// An empty root allows absolute paths only.
func NewService(root string) *Service {
	cube.Infof("Cube backend engine %s serving from root %q\n", Version, root)
	return &Service{root: root}
}

// OpenCube opens the cube at path and reports its shape and transform.
// Reopening the already-open cube is idempotent.
func (s *Service) OpenCube(path string) (cube.Shape, *cube.Transform, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil && s.store.Path() == resolved {
		return s.store.Shape(), s.store.Transform(), nil
	}
	store, err := OpenStore(resolved)
	if err != nil {
		return nil, nil, err
	}
	if s.store != nil {
		s.store.Close()
	}
	s.store = store
	return store.Shape(), store.Transform(), nil
}

// Fetch extracts a decimated region from the open cube.
func (s *Service) Fetch(region cube.Region, dec cube.Decimation) (cube.Columns, *cube.Transform, error) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil, nil, fmt.Errorf("no cube is open")
	}
	columns, err := store.ReadRegion(region, dec)
	if err != nil {
		return nil, nil, err
	}
	return columns, store.Transform(), nil
}

// Close releases the open store, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

func (s *Service) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if s.root == "" {
		return "", fmt.Errorf("relative cube path %q needs a configured root", path)
	}
	resolved := filepath.Clean(filepath.Join(s.root, path))
	rootAbs := filepath.Clean(s.root)
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("cube path %q escapes root %q", path, s.root)
	}
	return resolved, nil
}
