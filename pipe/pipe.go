/*
	Package pipe carries cube data and control messages between the compute
	backend and the visualization client.  A session pairs one control
	connection with one or more data connections; each channel owns its own
	TCP socket so large image payloads never block control traffic.
*/

package pipe

import (
	"fmt"

	"github.com/valyala/gorpc"

	"github.com/casangi/cubepipe/cube"
)

// ChannelRole distinguishes the independent channels of one session.
type ChannelRole string

const (
	// ControlChannel carries open-cube and session control messages.
	ControlChannel ChannelRole = "control"

	// DataChannel carries region fetch requests and column payloads.
	DataChannel ChannelRole = "data"

	// ImageChannel carries pixel payloads for full-image rendering.
	ImageChannel ChannelRole = "image"

	// ConvergeChannel carries convergence/statistics streams.
	ConvergeChannel ChannelRole = "converge"
)

// Endpoint addresses one channel of a session.  The (host, port) pair is
// stable for the session's duration; forwarding ports from a remote compute
// host is an operational concern outside this package.
type Endpoint struct {
	Host string
	Port int
	Role ChannelRole
}

// Addr returns the dialable host:port address.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s channel at %s", e.Role, e.Addr())
}

// RequestID tags one fetch request so superseded payloads can be
// discarded.  IDs increase in acceptance order per connection.
type RequestID uint64

// Wire messages.  gorpc moves these with gob and its dispatcher requires
// struct requests and responses by reference, so every concrete type is
// registered as a pointer in init below.

type HandshakeRequest struct {
	Version string
	Role    ChannelRole
}

type HandshakeReply struct {
	Version string
	Session string
}

type OpenCubeRequest struct {
	Path string
}

type OpenCubeReply struct {
	Shape     cube.Shape
	Transform *cube.Transform
}

type FetchRequest struct {
	ID         RequestID
	Region     cube.Region
	Decimation cube.Decimation
}

// FetchReply carries one completed fetch.  Payload holds the framed Arrow
// column encoding; Err is non-empty when the backend could not compute the
// region.
type FetchReply struct {
	ID         RequestID
	Region     cube.Region
	Decimation cube.Decimation
	Payload    []byte
	Transform  *cube.Transform
	Err        string
}

type CancelRequest struct {
	ID RequestID
}

const (
	callHandshake = "Handshake"
	callOpenCube  = "OpenCube"
	callFetch     = "Fetch"
	callCancel    = "Cancel"
)

func init() {
	gorpc.RegisterType(&HandshakeRequest{})
	gorpc.RegisterType(&HandshakeReply{})
	gorpc.RegisterType(&OpenCubeRequest{})
	gorpc.RegisterType(&OpenCubeReply{})
	gorpc.RegisterType(&FetchRequest{})
	gorpc.RegisterType(&FetchReply{})
	gorpc.RegisterType(&CancelRequest{})
}

// Payload is a decoded fetch response delivered to the registered payload
// handler.
type Payload struct {
	ID         RequestID
	Region     cube.Region
	Decimation cube.Decimation
	Columns    cube.Columns
	Transform  *cube.Transform
}
