// Package events defines the application-facing event sink: the push
// channel through which the engine reports message/broadcast delivery,
// peer presence transitions, file-transfer outcomes, and delivery
// failures to whatever consumes the Application API (CLI, GUI).
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// Kind tags the semantic type of an Event.
type Kind uint8

const (
	MessageReceived Kind = iota
	BroadcastReceived
	PeerOnline
	PeerOffline
	TransferCompleted
	TransferFailed
	DeliveryFailed
)

func (k Kind) String() string {
	switch k {
	case MessageReceived:
		return "message_received"
	case BroadcastReceived:
		return "broadcast_received"
	case PeerOnline:
		return "peer_online"
	case PeerOffline:
		return "peer_offline"
	case TransferCompleted:
		return "transfer_completed"
	case TransferFailed:
		return "transfer_failed"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// Event is one occurrence pushed to the application sink. Only the
// fields relevant to Kind are populated; the rest are zero.
type Event struct {
	// ID is a local correlation identifier, generated fresh for every
	// Event. It never appears on the wire; it exists only so a
	// consumer can join a delivery_failed event back to the
	// send_message call that produced Seq, or join log lines for the
	// same logical operation.
	ID   string
	Kind Kind
	At   time.Time

	Peer MAC
	Name string // peer display name, for PeerOnline/PeerOffline

	Text string // for MessageReceived/BroadcastReceived

	Seq        uint32 // for DeliveryFailed
	FrameKind  wire.Kind
	TransferID uint32
	Bytes      []byte // reassembled blob, for TransferCompleted

	Reason string // human-readable cause, for *Failed kinds
}

// MAC aliases wire.MAC so callers outside internal/wire don't need to
// import it solely to read Event.Peer.
type MAC = wire.MAC

func newEvent(k Kind) Event {
	return Event{ID: uuid.NewString(), Kind: k, At: time.Now()}
}

// Sink is a bounded, non-blocking-to-producers event channel. The
// engine owns the send side; the CLI/GUI collaborator owns the
// receive side.
type Sink struct {
	ch chan Event
}

// NewSink creates a Sink with the given channel capacity. A full sink
// drops the oldest unread event rather than blocking the engine's
// internal goroutines. An application that falls behind on events
// must not be able to stall message delivery.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 256
	}
	return &Sink{ch: make(chan Event, capacity)}
}

// Events returns the receive-only channel consumers range/select over.
func (s *Sink) Events() <-chan Event { return s.ch }

// Close closes the channel. Safe to call once the engine has stopped
// producing events (i.e. after every producing goroutine has exited).
func (s *Sink) Close() { close(s.ch) }

func (s *Sink) push(e Event) {
	select {
	case s.ch <- e:
	default:
		// Drop the oldest queued event to make room, then push. A
		// slow consumer should see gaps, never cause backpressure
		// into the engine.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// MessageReceivedEvent pushes a unicast message delivery.
func (s *Sink) MessageReceivedEvent(peer MAC, text string) {
	e := newEvent(MessageReceived)
	e.Peer, e.Text = peer, text
	s.push(e)
}

// BroadcastReceivedEvent pushes a broadcast message delivery.
func (s *Sink) BroadcastReceivedEvent(peer MAC, text string) {
	e := newEvent(BroadcastReceived)
	e.Peer, e.Text = peer, text
	s.push(e)
}

// PeerOnlineEvent pushes an Offline→Online (or first-seen) transition.
func (s *Sink) PeerOnlineEvent(peer MAC, name string) {
	e := newEvent(PeerOnline)
	e.Peer, e.Name = peer, name
	s.push(e)
}

// PeerOfflineEvent pushes an Online→Offline transition.
func (s *Sink) PeerOfflineEvent(peer MAC, name string) {
	e := newEvent(PeerOffline)
	e.Peer, e.Name = peer, name
	s.push(e)
}

// TransferCompletedEvent pushes a successfully reassembled (inbound)
// or fully-sent (outbound) file transfer.
func (s *Sink) TransferCompletedEvent(peer MAC, transferID uint32, data []byte) {
	e := newEvent(TransferCompleted)
	e.Peer, e.TransferID, e.Bytes = peer, transferID, data
	s.push(e)
}

// TransferFailedEvent pushes a transfer that timed out or whose
// control frames could not be delivered.
func (s *Sink) TransferFailedEvent(peer MAC, transferID uint32, reason string) {
	e := newEvent(TransferFailed)
	e.Peer, e.TransferID, e.Reason = peer, transferID, reason
	s.push(e)
}

// DeliveryFailedEvent pushes a reliable frame that exceeded
// max_attempts.
func (s *Sink) DeliveryFailedEvent(peer MAC, kind wire.Kind, seq uint32) {
	e := newEvent(DeliveryFailed)
	e.Peer, e.FrameKind, e.Seq = peer, kind, seq
	s.push(e)
}
