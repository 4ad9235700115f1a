/*
	This file implements the backend end of the pipe: per-channel gorpc
	servers sharing one dispatcher, with bounded fetch parallelism.
*/

package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/blang/semver"
	"github.com/twinj/uuid"
	"github.com/valyala/gorpc"
	"golang.org/x/sync/semaphore"

	cubepipe "github.com/casangi/cubepipe"
	"github.com/casangi/cubepipe/cube"
)

// Backend materializes cube regions for the server side of the pipe.  It
// may run fetches in parallel; responses carry the RequestID so clients
// can discard superseded payloads regardless of completion order.
type Backend interface {
	// OpenCube opens a cube and reports its shape and transform.
	OpenCube(path string) (cube.Shape, *cube.Transform, error)

	// Fetch extracts a region decimated by the given factors.
	Fetch(region cube.Region, dec cube.Decimation) (cube.Columns, *cube.Transform, error)
}

// DefaultFetchWorkers bounds concurrent region extractions per server.
const DefaultFetchWorkers = 4

// Server serves one or more pipe channels from a single Backend.  Each
// endpoint gets its own gorpc TCP server so channels never share a socket.
type Server struct {
	backend     Backend
	dispatcher  *gorpc.Dispatcher
	sem         *semaphore.Weighted
	compression cube.Compression
	checksum    cube.Checksum

	mu       sync.Mutex
	servers  map[string]*gorpc.Server
	sessions map[string]ChannelRole
	canceled map[RequestID]bool
}

// ServerOption adjusts a Server before it starts listening.
type ServerOption func(*Server)

// WithFetchWorkers bounds concurrent backend fetches.
func WithFetchWorkers(n int64) ServerOption {
	return func(s *Server) { s.sem = semaphore.NewWeighted(n) }
}

// WithCompression selects the payload framing compression.
func WithCompression(c cube.Compression) ServerOption {
	return func(s *Server) { s.compression = c }
}

// NewServer returns a Server for the given backend.  Payloads default to
// snappy compression with CRC32 checksums.
func NewServer(backend Backend, options ...ServerOption) *Server {
	s := &Server{
		backend:     backend,
		sem:         semaphore.NewWeighted(DefaultFetchWorkers),
		compression: cube.Snappy,
		checksum:    cube.CRC32,
		servers:     make(map[string]*gorpc.Server),
		sessions:    make(map[string]ChannelRole),
		canceled:    make(map[RequestID]bool),
	}
	for _, opt := range options {
		opt(s)
	}
	d := gorpc.NewDispatcher()
	d.AddFunc(callHandshake, s.handshake)
	d.AddFunc(callOpenCube, s.openCube)
	d.AddFunc(callFetch, s.fetch)
	d.AddFunc(callCancel, s.cancel)
	s.dispatcher = d
	return s
}

// Start begins listening on every endpoint without blocking.
func (s *Server) Start(endpoints []Endpoint) error {
	gorpc.SetErrorLogger(cube.Errorf)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, endpoint := range endpoints {
		srv := gorpc.NewTCPServer(endpoint.Addr(), s.dispatcher.NewHandlerFunc())
		if err := srv.Start(); err != nil {
			return &cube.ConnectionError{Addr: endpoint.Addr(), Err: err}
		}
		s.servers[endpoint.Addr()] = srv
		cube.Infof("Serving %s\n", endpoint)
	}
	return nil
}

// Stop halts the server on the given address.
func (s *Server) Stop(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, found := s.servers[addr]
	if !found {
		return fmt.Errorf("no pipe server on %s", addr)
	}
	srv.Stop()
	delete(s.servers, addr)
	return nil
}

// Shutdown halts all channel servers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		srv.Stop()
	}
	cube.Infof("Halted %d pipe servers.\n", len(s.servers))
	s.servers = make(map[string]*gorpc.Server)
}

func (s *Server) handshake(req *HandshakeRequest) (*HandshakeReply, error) {
	ours, err := semver.Make(cubepipe.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	theirs, err := semver.Make(req.Version)
	if err != nil {
		return nil, fmt.Errorf("bad client protocol version %q: %v", req.Version, err)
	}
	if ours.Major != theirs.Major {
		return nil, fmt.Errorf("protocol mismatch: backend %s, client %s", ours, theirs)
	}
	session := uuid.NewV4().String()
	s.mu.Lock()
	s.sessions[session] = req.Role
	s.mu.Unlock()
	cube.Infof("Handshake on %s channel: client protocol %s, session %s\n", req.Role, theirs, session)
	return &HandshakeReply{Version: cubepipe.ProtocolVersion, Session: session}, nil
}

func (s *Server) openCube(req *OpenCubeRequest) (*OpenCubeReply, error) {
	shape, transform, err := s.backend.OpenCube(req.Path)
	if err != nil {
		return nil, err
	}
	cube.Infof("Opened cube %q with shape %s\n", req.Path, shape)
	return &OpenCubeReply{Shape: shape, Transform: transform}, nil
}

func (s *Server) fetch(req *FetchRequest) (*FetchReply, error) {
	if s.wasCanceled(req.ID) {
		return &FetchReply{ID: req.ID, Err: "request canceled"}, nil
	}
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return &FetchReply{ID: req.ID, Err: err.Error()}, nil
	}
	defer s.sem.Release(1)

	// The request may have been canceled while waiting for a worker.
	if s.wasCanceled(req.ID) {
		return &FetchReply{ID: req.ID, Err: "request canceled"}, nil
	}

	tlog := cube.NewTimeLog()
	columns, transform, err := s.backend.Fetch(req.Region, req.Decimation)
	if err != nil {
		return &FetchReply{ID: req.ID, Err: err.Error()}, nil
	}
	encoded, err := cube.EncodeColumns(columns)
	if err != nil {
		return &FetchReply{ID: req.ID, Err: err.Error()}, nil
	}
	framed, err := cube.Pack(encoded, s.compression, s.checksum)
	if err != nil {
		return &FetchReply{ID: req.ID, Err: err.Error()}, nil
	}
	tlog.Debugf("extracted %s at %s for request %d", req.Region, req.Decimation, req.ID)
	return &FetchReply{
		ID:         req.ID,
		Region:     req.Region,
		Decimation: req.Decimation,
		Payload:    framed,
		Transform:  transform,
	}, nil
}

func (s *Server) cancel(req *CancelRequest) (bool, error) {
	s.mu.Lock()
	// Entries for requests that never arrive would pile up, so reset the
	// book-keeping when it grows past a session's plausible churn.
	if len(s.canceled) > 1024 {
		s.canceled = make(map[RequestID]bool)
	}
	s.canceled[req.ID] = true
	s.mu.Unlock()
	cube.Debugf("canceled request %d\n", req.ID)
	return true, nil
}

func (s *Server) wasCanceled(id RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled[id] {
		delete(s.canceled, id)
		return true
	}
	return false
}
