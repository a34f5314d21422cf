// Package ackmgr owns the table of outbound reliable records: one per
// reliable frame sent, tracked until it is ACKed or exceeds its
// retransmit budget.
package ackmgr

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/txqueue"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// Config bundles the retransmit timing knobs.
type Config struct {
	RetransmitInterval time.Duration // default 1000ms
	AckTick            time.Duration // default 200ms
	MaxAttempts        int           // default 5
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetransmitInterval: 1000 * time.Millisecond,
		AckTick:            200 * time.Millisecond,
		MaxAttempts:        5,
	}
}

type key struct {
	dst wire.MAC
	seq uint32
}

type record struct {
	frame    []byte
	dst      wire.MAC
	seq      uint32
	kind     wire.Kind
	sendTime time.Time
	attempts int
}

// Manager tracks outbound reliable records keyed by (destination MAC,
// sequence number). order preserves insertion order so that
// retransmits among themselves honor that order even though Go map
// iteration does not.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	records map[key]*record
	order   []key
}

// New creates a Manager.
func New(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "ackmgr").Logger(),
		records: make(map[key]*record),
	}
}

// Track inserts a record for a just-sent reliable frame. It must be
// called before the frame is enqueued on the transmit queue, so an ACK
// arriving unusually fast can never race ahead of the record existing.
func (m *Manager) Track(dst wire.MAC, seq uint32, kind wire.Kind, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{dst, seq}
	if _, exists := m.records[k]; !exists {
		m.order = append(m.order, k)
	}
	m.records[k] = &record{
		frame:    frame,
		dst:      dst,
		seq:      seq,
		kind:     kind,
		sendTime: time.Now(),
		attempts: 1,
	}
}

// Ack retires the record for (dst, seq), if any. Returns true if a
// record was found and removed.
func (m *Manager) Ack(dst wire.MAC, seq uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{dst, seq}
	if _, ok := m.records[k]; ok {
		delete(m.records, k)
		m.removeFromOrder(k)
		return true
	}
	return false
}

// removeFromOrder drops k from the insertion-order slice. Callers must
// hold m.mu. The table stays small under normal operation (one entry
// per in-flight reliable frame), so a linear scan is cheap relative to
// the lock already held for the map mutation.
func (m *Manager) removeFromOrder(k key) {
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Pending reports whether a record still exists for (dst, seq); used
// by tests asserting on record lifecycle.
func (m *Manager) Pending(dst wire.MAC, seq uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key{dst, seq}]
	return ok
}

// ForceRetransmit immediately marks (dst, seq) due for the next tick,
// implementing the NACK fast-retransmit hint.
func (m *Manager) ForceRetransmit(dst wire.MAC, seq uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[key{dst, seq}]; ok {
		r.sendTime = time.Time{}
	}
}

// Run ticks every cfg.AckTick, re-enqueueing records whose send_time
// is older than cfg.RetransmitInterval and raising DeliveryFailed for
// records that have exhausted cfg.MaxAttempts. It runs until stop is
// closed.
func (m *Manager) Run(stop <-chan struct{}, queue *txqueue.Queue, sink *events.Sink) {
	ticker := time.NewTicker(m.cfg.AckTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick(queue, sink)
		}
	}
}

func (m *Manager) tick(queue *txqueue.Queue, sink *events.Sink) {
	now := time.Now()

	var toRetransmit []*record
	var toFail []*record

	m.mu.Lock()
	var failedKeys []key
	for _, k := range m.order {
		r, ok := m.records[k]
		if !ok {
			continue
		}
		if now.Sub(r.sendTime) <= m.cfg.RetransmitInterval {
			continue
		}
		if r.attempts >= m.cfg.MaxAttempts {
			toFail = append(toFail, r)
			delete(m.records, k)
			failedKeys = append(failedKeys, k)
			continue
		}
		r.attempts++
		r.sendTime = now
		toRetransmit = append(toRetransmit, r)
	}
	for _, k := range failedKeys {
		m.removeFromOrder(k)
	}
	m.mu.Unlock()

	// Iterating m.order rather than the map means retransmits among
	// themselves are re-enqueued in the order their records were
	// originally inserted. A retransmit also never jumps ahead of an
	// ACK already sitting in the router's input, since this path never
	// touches the router queue.
	for _, r := range toRetransmit {
		m.log.Debug().
			Str("peer", r.dst.String()).
			Uint32("seq", r.seq).
			Int("attempt", r.attempts).
			Msg("retransmitting reliable frame")
		queue.EnqueueReliable(r.frame)
	}

	for _, r := range toFail {
		m.log.Warn().
			Str("peer", r.dst.String()).
			Uint32("seq", r.seq).
			Str("kind", r.kind.String()).
			Msg("delivery failed: max attempts exceeded")
		sink.DeliveryFailedEvent(r.dst, r.kind, r.seq)
	}
}
