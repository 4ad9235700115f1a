/*
	Package viewer wires the client-side pieces together: viewport changes
	from the renderer drive the downsample state machine, fetches go out
	through a pipe connection, and delivered payloads land in the data
	source cache for renderers and tick formatters to read.
*/

package viewer

import (
	"sync"

	"github.com/casangi/cubepipe/cube"
	"github.com/casangi/cubepipe/datasource"
	"github.com/casangi/cubepipe/downsample"
	"github.com/casangi/cubepipe/pipe"
)

// DefaultFailureEscalation is the number of consecutive fetch failures
// tolerated before a user-visible notification fires.  Until then the
// display keeps its last good sample quietly.
const DefaultFailureEscalation = 3

// Notifier receives user-visible messages for persistent trouble.
type Notifier func(message string)

// Viewer is one adaptive-resolution view onto a remote cube.
type Viewer struct {
	state *downsample.State
	store *datasource.Store
	conn  *pipe.Connection

	mu         sync.Mutex
	failures   int
	escalation int
	notify     Notifier
}

// Option adjusts a Viewer at construction.
type Option func(*Viewer)

// WithPrefetchMargin sets the fraction by which fetches expand past the
// viewport.
func WithPrefetchMargin(margin float64) Option {
	return func(v *Viewer) { v.state = downsample.NewState(margin) }
}

// WithCacheBytes sets the region byte cache budget.
func WithCacheBytes(n int) Option {
	return func(v *Viewer) { v.store = datasource.NewStore(n) }
}

// WithNotifier routes persistent-failure notifications.
func WithNotifier(fn Notifier) Option {
	return func(v *Viewer) { v.notify = fn }
}

// New returns a Viewer reading through the given connection.  The viewer
// registers itself as the connection's payload and error handler.
func New(conn *pipe.Connection, options ...Option) *Viewer {
	v := &Viewer{
		state:      downsample.NewState(downsample.DefaultPrefetchMargin),
		store:      datasource.NewStore(0),
		conn:       conn,
		escalation: DefaultFailureEscalation,
	}
	for _, opt := range options {
		opt(v)
	}
	conn.OnPayload(v.onPayload)
	conn.OnError(v.onError)
	return v
}

// State exposes the downsample state machine, e.g. for axis widgets that
// show the active decimation.
func (v *Viewer) State() *downsample.State {
	return v.state
}

// Store exposes the data source cache consumed by renderers.
func (v *Viewer) Store() *datasource.Store {
	return v.store
}

// Open opens a cube on the backend and binds its shape.  Reopening with a
// narrower shape invalidates the cache rather than partially reusing it.
func (v *Viewer) Open(path string) (cube.Shape, error) {
	shape, transform, err := v.conn.OpenCube(path)
	if err != nil {
		return nil, err
	}
	if v.state.Bound() {
		if !v.state.Shape().Equals(shape) {
			v.state.Rebind(shape)
			v.store.Invalidate()
		}
	} else {
		v.state.Bind(shape)
	}
	v.store.SetTransform(transform)
	return shape, nil
}

// SetViewport reports a renderer viewport change.  If the cached sample no
// longer suffices, the region cache is consulted first and only a miss
// goes upstream.  Returns true when a refresh was started or served.
func (v *Viewer) SetViewport(vp downsample.Viewport) (bool, error) {
	plan, refresh := v.state.SetViewport(vp)
	if !refresh {
		return false, nil
	}

	if sample, ok := v.store.Cached(plan.Region, plan.Decimation); ok {
		if err := v.state.ApplyPayload(sample.Region, sample.Decimation); err == nil {
			v.store.InstallSample(sample)
			cube.Debugf("viewport served from region cache: %s\n", plan.Region)
			return true, nil
		}
	}

	if _, err := v.conn.Request(plan.Region, plan.Decimation); err != nil {
		v.state.FetchFailed()
		return false, err
	}
	return true, nil
}

func (v *Viewer) onPayload(p pipe.Payload) {
	if err := v.state.ApplyPayload(p.Region, p.Decimation); err != nil {
		cube.Errorf("payload for %s rejected: %v\n", p.Region, err)
		return
	}
	v.store.Install(p)
	v.mu.Lock()
	v.failures = 0
	v.mu.Unlock()
}

// onError absorbs transient trouble, keeping the display on its last good
// sample; only persistent failure escalates to the notifier.
func (v *Viewer) onError(err error) {
	v.state.FetchFailed()

	v.mu.Lock()
	v.failures++
	failures := v.failures
	notify := v.notify
	escalation := v.escalation
	v.mu.Unlock()

	cube.Warningf("fetch failed (%d consecutive): %v\n", failures, err)
	if failures >= escalation && notify != nil {
		notify(err.Error())
		v.mu.Lock()
		v.failures = 0
		v.mu.Unlock()
	}
}
