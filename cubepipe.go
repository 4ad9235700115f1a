/*
Package cubepipe streams large multi-dimensional astronomical image cubes
from a compute backend to an interactive visualization client, transferring
only the subset and resolution the current viewport needs.

The module is split along the data path:

	cube       - shared value types: cube geometry, world-coordinate transforms,
	             column-wise arrays, payload framing, errors, logging
	pipe       - the control/data channel pair between client and backend
	downsample - the adaptive-resolution state machine driven by viewport changes
	datasource - the client-side cache of the most recently delivered sample
	backend    - the serving side: cube store, region extraction, decimation
	session    - TOML configuration for a visualization session

A session pairs one control connection with one or more data connections
(image payloads, convergence statistics), each on its own port so large
payloads never block control traffic.
*/
package cubepipe

const (
	// Version is the version of this cubepipe release.
	Version = "0.1.0"

	// ProtocolVersion is exchanged during the pipe handshake.  Clients and
	// backends must agree on the major version.
	ProtocolVersion = "1.0.0"
)
