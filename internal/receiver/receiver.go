// Package receiver runs the dedicated read loop: pull raw bytes off
// the link endpoint, filter and decode them, and hand well-formed
// frames to the router.
package receiver

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/endpoint"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// Receiver owns the single goroutine reading from the Link.
type Receiver struct {
	link  endpoint.Link
	codec *wire.Codec
	local wire.MAC
	out   chan<- *wire.Frame
	log   zerolog.Logger

	drops atomic.Uint64
}

// New builds a Receiver that pushes decoded frames onto out.
func New(link endpoint.Link, codec *wire.Codec, out chan<- *wire.Frame, log zerolog.Logger) *Receiver {
	return &Receiver{
		link:  link,
		codec: codec,
		local: link.LocalMAC(),
		out:   out,
		log:   log.With().Str("component", "receiver").Logger(),
	}
}

// Drops returns the number of frames that failed to decode or were
// dropped because the router input was full, since startup. Frames
// skipped for not being addressed to us are not counted.
func (r *Receiver) Drops() uint64 { return r.drops.Load() }

// Run reads frames until the link is closed. It is meant to run in
// its own goroutine; Close()-ing the underlying Link is what makes
// this loop return.
func (r *Receiver) Run() {
	for {
		raw, err := r.link.Recv()
		if err != nil {
			if errors.Is(err, endpoint.ErrClosed) {
				r.log.Debug().Msg("receiver stopping: endpoint closed")
				return
			}
			r.log.Warn().Err(err).Msg("endpoint recv error")
			continue
		}

		f, err := r.codec.Decode(raw)
		if err != nil {
			r.drops.Add(1)
			if errors.Is(err, wire.ErrCRCMismatch) {
				r.log.Debug().Msg("dropped frame: crc mismatch")
			} else {
				r.log.Debug().Err(err).Msg("dropped frame: malformed")
			}
			continue
		}

		// EtherType was already checked by Decode; apply destination
		// filtering here, since the endpoint hands us every frame on
		// the segment regardless of EtherType or destination.
		if f.Dst != r.local && !f.Dst.IsBroadcast() {
			continue
		}

		select {
		case r.out <- f:
		default:
			// A full router input queue means the router is falling
			// behind. Drop rather than block the read loop
			// indefinitely, and count it as a drop for observability.
			r.drops.Add(1)
			r.log.Warn().Msg("dropped frame: router input full")
		}
	}
}
