package endpoint

import (
	"sync"

	"github.com/qbolapp/qbolapp/internal/wire"
)

// LoopbackFabric is a process-local broadcast medium shared by every
// Loopback endpoint attached to it: the in-memory stand-in for a LAN
// segment, used by tests and by any development run without root
// privilege or a real NIC.
type LoopbackFabric struct {
	mu   sync.Mutex
	subs map[*Loopback]struct{}
}

// NewLoopbackFabric creates an empty fabric.
func NewLoopbackFabric() *LoopbackFabric {
	return &LoopbackFabric{subs: make(map[*Loopback]struct{})}
}

func (f *LoopbackFabric) attach(l *Loopback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[l] = struct{}{}
}

func (f *LoopbackFabric) detach(l *Loopback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, l)
}

func (f *LoopbackFabric) broadcast(from *Loopback, frame []byte) {
	f.mu.Lock()
	recipients := make([]*Loopback, 0, len(f.subs))
	for l := range f.subs {
		if l != from {
			recipients = append(recipients, l)
		}
	}
	f.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)
	for _, l := range recipients {
		l.deliver(cp)
	}
}

// Loopback is a Link implementation backed by a LoopbackFabric instead
// of a real NIC. Every Loopback on the same fabric receives every
// frame any other Loopback on that fabric sends, modeling a shared
// Ethernet segment without promiscuous-mode raw sockets.
type Loopback struct {
	fabric *LoopbackFabric
	local  wire.MAC

	mu     sync.Mutex
	inbox  chan []byte
	closed bool
}

// NewLoopback attaches a new endpoint with the given local MAC to
// fabric. inboxDepth sets the inbox depth (256 when <= 0); a slow reader simply misses
// frames once full, same as a saturated NIC ring buffer would.
func NewLoopback(fabric *LoopbackFabric, local wire.MAC, inboxDepth int) *Loopback {
	if inboxDepth <= 0 {
		inboxDepth = 256
	}
	l := &Loopback{
		fabric: fabric,
		local:  local,
		inbox:  make(chan []byte, inboxDepth),
	}
	fabric.attach(l)
	return l
}

// deliver holds the mutex across the inbox send so it can never race
// Close closing the channel. The send is non-blocking, so the hold
// time is bounded.
func (l *Loopback) deliver(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.inbox <- frame:
	default:
		// Inbox full: drop, matching a real NIC under load.
	}
}

// Send implements Link.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.fabric.broadcast(l, frame)
	return nil
}

// Recv implements Link.
func (l *Loopback) Recv() ([]byte, error) {
	frame, ok := <-l.inbox
	if !ok {
		return nil, ErrClosed
	}
	return frame, nil
}

// LocalMAC implements Link.
func (l *Loopback) LocalMAC() wire.MAC { return l.local }

// Close implements Link.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.inbox)
	l.mu.Unlock()

	l.fabric.detach(l)
	return nil
}
