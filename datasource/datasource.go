/*
	Package datasource holds the client-side model of the most recently
	delivered cube sample: the column-wise array data plus the active
	coordinate-transform descriptor.  Renderers and tick formatters read
	from here; installs are atomic so readers never observe a half-updated
	column set.
*/

package datasource

import (
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"

	"github.com/casangi/cubepipe/cube"
	"github.com/casangi/cubepipe/pipe"
)

// DefaultCacheBytes sizes the region byte cache holding framed payloads
// for recently visited regions.
const DefaultCacheBytes = 64 * 1024 * 1024

// Sample is one immutable delivered payload.  Readers get a snapshot
// pointer and must not mutate the columns.
type Sample struct {
	Region     cube.Region
	Decimation cube.Decimation
	Columns    cube.Columns
	Transform  *cube.Transform
}

// Sampled returns the sampled-space region the columns are shaped by.
func (s *Sample) Sampled() cube.Region {
	return s.Decimation.SampledRegion(s.Region)
}

// Store is the Data Source Cache.  It exclusively owns the most recent
// Sample and its transform, and keeps framed payload bytes for previously
// visited regions so a revisit can skip the network.
type Store struct {
	mu        sync.RWMutex
	sample    *Sample
	transform *cube.Transform
	callbacks []func(*Sample)

	regions *freecache.Cache
}

// NewStore returns an empty Store with the given region cache budget in
// bytes; non-positive budgets use the default.
func NewStore(cacheBytes int) *Store {
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	return &Store{regions: freecache.NewCache(cacheBytes)}
}

// Install atomically replaces the current sample from a delivered payload.
// Registered update callbacks run synchronously after the swap, on the
// delivery goroutine, preserving payload order.
func (s *Store) Install(p pipe.Payload) {
	sample := &Sample{
		Region:     p.Region.Duplicate(),
		Decimation: p.Decimation.Duplicate(),
		Columns:    p.Columns,
		Transform:  p.Transform,
	}

	s.mu.Lock()
	s.sample = sample
	if p.Transform != nil {
		s.transform = p.Transform
	}
	callbacks := make([]func(*Sample), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	s.cacheRegion(sample)
	cube.Debugf("installed sample %s at %s (%s in memory)\n",
		sample.Region, sample.Decimation, humanize.Bytes(uint64(size.Of(sample))))

	for _, fn := range callbacks {
		fn(sample)
	}
}

// CurrentSample returns the latest delivered sample, nil before the first
// payload.  The snapshot stays valid across later installs.
func (s *Store) CurrentSample() *Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample
}

// WCS returns the active coordinate-transform descriptor, or false while
// no payload has arrived yet.  Callers must treat pixel-to-world
// conversion as best-effort until the sentinel clears.
func (s *Store) WCS() (*cube.Transform, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transform == nil {
		return nil, false
	}
	return s.transform, true
}

// OnUpdate registers a callback invoked after each install.
func (s *Store) OnUpdate(fn func(*Sample)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Cached looks up a previously delivered region at the same decimation.
// On a hit the decoded sample carries the current transform.
func (s *Store) Cached(region cube.Region, dec cube.Decimation) (*Sample, bool) {
	framed, err := s.regions.Get(regionKey(region, dec))
	if err != nil {
		return nil, false
	}
	data, _, err := cube.Unpack(framed)
	if err != nil {
		cube.Warningf("dropping corrupt cached region %s: %v\n", region, err)
		s.regions.Del(regionKey(region, dec))
		return nil, false
	}
	columns, err := cube.DecodeColumns(data)
	if err != nil {
		s.regions.Del(regionKey(region, dec))
		return nil, false
	}

	s.mu.RLock()
	transform := s.transform
	s.mu.RUnlock()
	return &Sample{
		Region:     region.Duplicate(),
		Decimation: dec.Duplicate(),
		Columns:    columns,
		Transform:  transform,
	}, true
}

// InstallSample swaps in a sample that did not come off the wire, e.g. a
// region cache hit.
func (s *Store) InstallSample(sample *Sample) {
	s.mu.Lock()
	s.sample = sample
	if sample.Transform != nil {
		s.transform = sample.Transform
	}
	callbacks := make([]func(*Sample), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(sample)
	}
}

// SetTransform installs a transform ahead of any payload, e.g. from the
// open-cube reply, clearing the "not yet available" sentinel early.
func (s *Store) SetTransform(t *cube.Transform) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.transform = t
	s.mu.Unlock()
}

// Invalidate drops the current sample, transform, and all cached regions.
// Used when a cube is reopened with a different shape.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.sample = nil
	s.transform = nil
	s.mu.Unlock()
	s.regions.Clear()
}

func (s *Store) cacheRegion(sample *Sample) {
	encoded, err := cube.EncodeColumns(sample.Columns)
	if err != nil {
		cube.Errorf("cannot cache region %s: %v\n", sample.Region, err)
		return
	}
	framed, err := cube.Pack(encoded, cube.Snappy, cube.NoChecksum)
	if err != nil {
		cube.Errorf("cannot frame cached region %s: %v\n", sample.Region, err)
		return
	}
	// freecache rejects entries bigger than 1/1024 of its budget; a miss
	// there just means the region is refetched on revisit.
	if err := s.regions.Set(regionKey(sample.Region, sample.Decimation), framed, 0); err != nil {
		cube.Debugf("region %s not cached: %v\n", sample.Region, err)
	}
}

func regionKey(region cube.Region, dec cube.Decimation) []byte {
	return []byte(region.String() + "@" + dec.String())
}
