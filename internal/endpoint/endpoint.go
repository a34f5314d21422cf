// Package endpoint defines the link endpoint contract: a narrow
// send/recv-opaque-bytes interface over a real or simulated link-layer
// socket. The messaging engine never knows which implementation it is
// talking to.
package endpoint

import (
	"errors"

	"github.com/qbolapp/qbolapp/internal/wire"
)

// ErrClosed is returned by Send/Recv once Close has been called.
var ErrClosed = errors.New("endpoint: closed")

// ErrInterfaceUnavailable is a fatal error surfaced from a concrete
// Open implementation when the named interface doesn't exist.
var ErrInterfaceUnavailable = errors.New("endpoint: interface unavailable")

// ErrPermissionDenied is a fatal error surfaced from a concrete Open
// implementation when the process lacks the privilege to bind a raw
// socket.
var ErrPermissionDenied = errors.New("endpoint: permission denied")

// Link is the raw-frame I/O endpoint the engine is wired to. It must
// be safe for exactly two concurrent callers: one sending, one
// receiving.
type Link interface {
	// Send writes a fully-formed Ethernet frame (as produced by
	// wire.Codec.Encode) to the configured interface.
	Send(frame []byte) error

	// Recv blocks until the next received frame of any EtherType is
	// available; filtering by EtherType/destination is the receiver's
	// job, not the endpoint's.
	Recv() ([]byte, error)

	// LocalMAC returns the bound interface's hardware address.
	LocalMAC() wire.MAC

	// Close unblocks any pending Recv and causes subsequent Send/Recv
	// calls to return ErrClosed. Idempotent.
	Close() error
}
