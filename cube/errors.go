package cube

import (
	"fmt"
	"time"
)

// ConnectionError reports an unreachable endpoint or a failed protocol
// handshake.  It is fatal to the Connection and never retried silently;
// the caller decides whether to re-open.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RegionError reports a request for geometry outside the cube or with
// non-positive extents.  It indicates a caller bug and is rejected before
// any network call.
type RegionError struct {
	Reason string
}

func (e *RegionError) Error() string {
	return "bad region: " + e.Reason
}

// ComputeError reports that the backend failed to produce a payload for a
// request.  Non-fatal: the client falls back to its last good sample.
type ComputeError struct {
	RequestID uint64
	Reason    string
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("backend compute failed for request %d: %s", e.RequestID, e.Reason)
}

// TimeoutError reports that no response arrived within the configured
// bound.  Treated like a ComputeError for recovery purposes.
type TimeoutError struct {
	RequestID uint64
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d timed out after %s", e.RequestID, e.Elapsed)
}

// StaleResponseError marks a payload that arrived for a superseded
// request.  These are discarded silently and never surfaced to handlers.
type StaleResponseError struct {
	RequestID uint64
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("payload for superseded request %d discarded", e.RequestID)
}
