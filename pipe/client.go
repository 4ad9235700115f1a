/*
	This file implements the client end of a pipe channel: connection
	lifecycle, the protocol handshake, request coalescing, and ordered
	payload delivery.
*/

package pipe

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/valyala/gorpc"

	cubepipe "github.com/casangi/cubepipe"
	"github.com/casangi/cubepipe/cube"
)

// ConnState is the lifecycle state of one Connection.
type ConnState uint8

const (
	Closed ConnState = iota
	Connecting
	Open
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// BackoffConfig bounds the reconnect policy for an established connection
// that drops.  Intervals double from Base up to Max; after Retries failed
// attempts the connection closes and the error handler fires once.
type BackoffConfig struct {
	Base    time.Duration `toml:"base"`
	Max     time.Duration `toml:"max"`
	Retries int           `toml:"retries"`
}

// DefaultBackoff returns the default bounded exponential backoff.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second, Retries: 6}
}

// Interval returns the delay before the given 0-based attempt.
func (b BackoffConfig) Interval(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// PayloadHandler is invoked once per completed request, in the order the
// requests were accepted.  A superseded request never produces a call.
type PayloadHandler func(Payload)

// ErrorHandler receives transport and backend errors that are not
// programming errors: ComputeError, TimeoutError, ConnectionError.
type ErrorHandler func(error)

// DefaultRequestTimeout bounds a fetch with no configured timeout.
const DefaultRequestTimeout = 30 * time.Second

var errConnClosed = errors.New("connection is closed")

// clientDispatcher mirrors the server's call names and signatures, which
// the gorpc dispatcher requires before it hands out func clients.  The
// bodies never run on the client side.
var clientDispatcher = gorpc.NewDispatcher()

func init() {
	clientDispatcher.AddFunc(callHandshake, func(req *HandshakeRequest) (*HandshakeReply, error) { return nil, nil })
	clientDispatcher.AddFunc(callOpenCube, func(req *OpenCubeRequest) (*OpenCubeReply, error) { return nil, nil })
	clientDispatcher.AddFunc(callFetch, func(req *FetchRequest) (*FetchReply, error) { return nil, nil })
	clientDispatcher.AddFunc(callCancel, func(req *CancelRequest) (bool, error) { return false, nil })
}

// Connection is the client end of one pipe channel.  It owns its socket
// exclusively; separate channel roles use separate Connections.
type Connection struct {
	endpoint Endpoint
	timeout  time.Duration
	backoff  BackoffConfig

	client *gorpc.Client
	dc     *gorpc.DispatcherClient

	mu        sync.Mutex
	state     ConnState
	session   string
	shape     cube.Shape
	nextID    RequestID
	pending   *FetchRequest
	inflight  *FetchRequest
	stale     map[RequestID]bool
	onPayload PayloadHandler
	onError   ErrorHandler

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option adjusts a Connection before it dials.
type Option func(*Connection)

// WithTimeout bounds each fetch request; expiry is surfaced as a
// TimeoutError and handled like a compute failure.
func WithTimeout(d time.Duration) Option {
	return func(cn *Connection) { cn.timeout = d }
}

// WithBackoff sets the reconnect policy.
func WithBackoff(b BackoffConfig) Option {
	return func(cn *Connection) { cn.backoff = b }
}

// OpenConnection establishes a connection to one endpoint and performs the
// protocol-version handshake.  It fails with a ConnectionError if the
// address is unreachable or the versions do not match; there is no silent
// retry of the initial dial.
func OpenConnection(endpoint Endpoint, options ...Option) (*Connection, error) {
	cn := &Connection{
		endpoint: endpoint,
		timeout:  DefaultRequestTimeout,
		backoff:  DefaultBackoff(),
		state:    Connecting,
		stale:    make(map[RequestID]bool),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(cn)
	}

	cn.client = gorpc.NewTCPClient(endpoint.Addr())
	cn.client.Start()
	cn.dc = clientDispatcher.NewFuncClient(cn.client)

	session, err := cn.handshake()
	if err != nil {
		cn.client.Stop()
		cn.state = Closed
		return nil, err
	}
	cn.session = session
	cn.state = Open
	cube.Infof("Opened %s (session %s)\n", endpoint, session)

	cn.wg.Add(1)
	go cn.worker()
	return cn, nil
}

// handshake exchanges protocol versions; major versions must agree.
func (cn *Connection) handshake() (string, error) {
	req := &HandshakeRequest{Version: cubepipe.ProtocolVersion, Role: cn.endpoint.Role}
	resp, err := cn.dc.CallTimeout(callHandshake, req, cn.timeout)
	if err != nil {
		return "", &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: err}
	}
	reply, ok := resp.(*HandshakeReply)
	if !ok {
		return "", &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: fmt.Errorf("unexpected handshake reply %T", resp)}
	}
	ours, err := semver.Make(cubepipe.ProtocolVersion)
	if err != nil {
		return "", err
	}
	theirs, err := semver.Make(reply.Version)
	if err != nil {
		return "", &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: fmt.Errorf("bad protocol version %q: %v", reply.Version, err)}
	}
	if ours.Major != theirs.Major {
		return "", &cube.ConnectionError{
			Addr: cn.endpoint.Addr(),
			Err:  fmt.Errorf("protocol mismatch: client %s, backend %s", ours, theirs),
		}
	}
	return reply.Session, nil
}

// State returns the connection lifecycle state.
func (cn *Connection) State() ConnState {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.state
}

// Session returns the session token minted at handshake.
func (cn *Connection) Session() string {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.session
}

// OnPayload registers the handler invoked once per completed request.
func (cn *Connection) OnPayload(handler PayloadHandler) {
	cn.mu.Lock()
	cn.onPayload = handler
	cn.mu.Unlock()
}

// OnError registers the handler for transport and backend errors.
func (cn *Connection) OnError(handler ErrorHandler) {
	cn.mu.Lock()
	cn.onError = handler
	cn.mu.Unlock()
}

// OpenCube asks the backend to open a cube, returning its shape and
// coordinate transform.  Synchronous control call.
func (cn *Connection) OpenCube(path string) (cube.Shape, *cube.Transform, error) {
	if cn.State() != Open {
		return nil, nil, &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: errConnClosed}
	}
	resp, err := cn.dc.CallTimeout(callOpenCube, &OpenCubeRequest{Path: path}, cn.timeout)
	if err != nil {
		return nil, nil, cn.callError(err, 0)
	}
	reply, ok := resp.(*OpenCubeReply)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected open-cube reply %T", resp)
	}
	cn.mu.Lock()
	cn.shape = reply.Shape.Duplicate()
	cn.mu.Unlock()
	return reply.Shape, reply.Transform, nil
}

// Request asks the backend to materialize a region at the given
// decimation.  Non-blocking: the result is delivered later through the
// payload handler.  At most one request is outstanding; a new request for
// an overlapping region supersedes the prior one rather than queuing, and
// the superseded request never produces a callback.
func (cn *Connection) Request(region cube.Region, dec cube.Decimation) (RequestID, error) {
	if err := dec.Validate(); err != nil {
		return 0, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.state == Closed {
		return 0, &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: errConnClosed}
	}
	if len(cn.shape) > 0 {
		if err := region.Validate(cn.shape); err != nil {
			return 0, err
		}
	} else if err := checkPositive(region); err != nil {
		return 0, err
	}

	cn.nextID++
	req := &FetchRequest{ID: cn.nextID, Region: region.Duplicate(), Decimation: dec.Duplicate()}

	if cn.pending != nil {
		// Never dispatched, so the superseded request simply vanishes.
		cube.Debugf("request %d superseded before dispatch by %d\n", cn.pending.ID, req.ID)
	}
	if cn.inflight != nil && req.Region.Overlaps(cn.inflight.Region) {
		cn.stale[cn.inflight.ID] = true
		staleID := cn.inflight.ID
		go cn.cancel(staleID)
	}
	cn.pending = req
	select {
	case cn.wake <- struct{}{}:
	default:
	}
	return req.ID, nil
}

// checkPositive rejects degenerate regions even before the cube shape is
// known.
func checkPositive(region cube.Region) error {
	for i, extent := range region.Extent {
		if extent <= 0 {
			return &cube.RegionError{Reason: fmt.Sprintf("non-positive extent %d on axis %d", extent, i)}
		}
		if region.Offset[i] < 0 {
			return &cube.RegionError{Reason: fmt.Sprintf("negative offset %d on axis %d", region.Offset[i], i)}
		}
	}
	return nil
}

// cancel is a best-effort upstream cancellation of a superseded request.
func (cn *Connection) cancel(id RequestID) {
	if _, err := cn.dc.CallTimeout(callCancel, &CancelRequest{ID: id}, cn.timeout); err != nil {
		cube.Debugf("cancel of request %d failed: %v\n", id, err)
	}
}

// shutdown releases the socket and stops the dispatch worker.  Reached
// both from Close and from reconnect exhaustion, so it must be safe to
// run twice.
func (cn *Connection) shutdown() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.client.Stop()
	})
}

// Close releases the connection.  No payload or error callbacks fire after
// Close returns.
func (cn *Connection) Close() error {
	cn.mu.Lock()
	already := cn.state == Closed
	cn.state = Closed
	cn.pending = nil
	cn.mu.Unlock()

	cn.shutdown()
	cn.wg.Wait()
	if !already {
		cube.Infof("Closed %s\n", cn.endpoint)
	}
	return nil
}

// worker dispatches pending fetches one at a time, which keeps payload
// callbacks in acceptance order.
func (cn *Connection) worker() {
	defer cn.wg.Done()
	for {
		select {
		case <-cn.done:
			return
		case <-cn.wake:
		}
		for {
			cn.mu.Lock()
			req := cn.pending
			cn.pending = nil
			if req != nil {
				cn.inflight = req
			}
			cn.mu.Unlock()
			if req == nil {
				break
			}
			cn.dispatch(req)
		}
	}
}

// dispatch issues one fetch and routes its outcome.
func (cn *Connection) dispatch(req *FetchRequest) {
	tlog := cube.NewTimeLog()
	start := time.Now()
	resp, err := cn.dc.CallTimeout(callFetch, req, cn.timeout)

	cn.mu.Lock()
	wasStale := cn.stale[req.ID]
	delete(cn.stale, req.ID)
	cn.inflight = nil
	closed := cn.state == Closed
	onPayload := cn.onPayload
	onError := cn.onError
	cn.mu.Unlock()

	if closed {
		return
	}
	if wasStale {
		// Superseded payloads are discarded, never surfaced to handlers.
		cube.Debugf("%v\n", &cube.StaleResponseError{RequestID: uint64(req.ID)})
		return
	}

	if err != nil {
		cberr := cn.callError(err, req.ID)
		if _, isTimeout := cberr.(*cube.TimeoutError); isTimeout {
			cberr = &cube.TimeoutError{RequestID: uint64(req.ID), Elapsed: time.Since(start)}
		}
		if connErr, isConn := cberr.(*cube.ConnectionError); isConn {
			cn.reconnect(connErr, onError)
			return
		}
		if onError != nil {
			onError(cberr)
		}
		return
	}

	reply, ok := resp.(*FetchReply)
	if !ok {
		if onError != nil {
			onError(&cube.ComputeError{RequestID: uint64(req.ID), Reason: fmt.Sprintf("unexpected reply type %T", resp)})
		}
		return
	}
	if reply.Err != "" {
		if onError != nil {
			onError(&cube.ComputeError{RequestID: uint64(req.ID), Reason: reply.Err})
		}
		return
	}

	payload, err := decodeReply(reply)
	if err != nil {
		if onError != nil {
			onError(&cube.ComputeError{RequestID: uint64(req.ID), Reason: err.Error()})
		}
		return
	}
	tlog.Debugf("fetch %d of %s at %s", req.ID, req.Region, req.Decimation)
	if onPayload != nil {
		onPayload(payload)
	}
}

// callError classifies a gorpc call failure.  An expired call deadline
// surfaces as ClientError.Timeout; gorpc redials dropped sockets itself,
// so Connection errors only appear when the transport is truly gone.
func (cn *Connection) callError(err error, id RequestID) error {
	var ce *gorpc.ClientError
	if errors.As(err, &ce) {
		if ce.Connection {
			return &cube.ConnectionError{Addr: cn.endpoint.Addr(), Err: err}
		}
		if ce.Timeout {
			return &cube.TimeoutError{RequestID: uint64(id), Elapsed: cn.timeout}
		}
	}
	return &cube.ComputeError{RequestID: uint64(id), Reason: err.Error()}
}

// reconnect runs the bounded exponential backoff after an established
// connection drops.  The error handler fires exactly once, and only after
// the retry budget is exhausted.
func (cn *Connection) reconnect(cause *cube.ConnectionError, onError ErrorHandler) {
	cn.mu.Lock()
	if cn.state == Closed {
		cn.mu.Unlock()
		return
	}
	cn.state = Reconnecting
	cn.mu.Unlock()
	cube.Warningf("Connection to %s dropped, reconnecting: %v\n", cn.endpoint.Addr(), cause.Err)

	for attempt := 0; attempt < cn.backoff.Retries; attempt++ {
		select {
		case <-cn.done:
			return
		case <-time.After(cn.backoff.Interval(attempt)):
		}
		if session, err := cn.handshake(); err == nil {
			cn.mu.Lock()
			cn.session = session
			if cn.state == Reconnecting {
				cn.state = Open
			}
			cn.mu.Unlock()
			cube.Infof("Reconnected to %s after %d attempts (session %s)\n", cn.endpoint.Addr(), attempt+1, session)
			return
		}
	}

	// Out of retries: release the socket so gorpc stops redialing a dead
	// endpoint, and let the worker exit.
	cn.mu.Lock()
	cn.state = Closed
	cn.mu.Unlock()
	cn.shutdown()
	if onError != nil {
		onError(cause)
	}
}

// decodeReply unframes and decodes one fetch payload, checking that every
// column length matches the sampled region size.
func decodeReply(reply *FetchReply) (Payload, error) {
	data, _, err := cube.Unpack(reply.Payload)
	if err != nil {
		return Payload{}, err
	}
	columns, err := cube.DecodeColumns(data)
	if err != nil {
		return Payload{}, err
	}
	sampled := reply.Decimation.SampledRegion(reply.Region)
	if err := columns.Validate(sampled.NumElements()); err != nil {
		return Payload{}, err
	}
	return Payload{
		ID:         reply.ID,
		Region:     reply.Region,
		Decimation: reply.Decimation,
		Columns:    columns,
		Transform:  reply.Transform,
	}, nil
}
