// Package presence maintains the online peer set and drives the
// periodic HELLO announcement and peer cleanup ticks.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// State is a peer's online/offline state.
type State int

const (
	Online State = iota
	Offline
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Peer is a snapshot of one known peer, returned by ListPeers.
type Peer struct {
	MAC      wire.MAC
	Name     string
	State    State
	LastSeen time.Time
}

// Config bundles the presence timing knobs. AckTick drives the
// cleanup scan: a silent peer must be detected Offline no later than
// PresenceTimeout + AckTick, so the scan cannot run any coarser than
// the tick itself.
type Config struct {
	HelloInterval   time.Duration // default 5s
	AckTick         time.Duration // default 200ms
	PresenceTimeout time.Duration // default 20s
	GracePeriod     time.Duration // default 60s, additional to PresenceTimeout before removal
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HelloInterval:   5 * time.Second,
		AckTick:         200 * time.Millisecond,
		PresenceTimeout: 20 * time.Second,
		GracePeriod:     60 * time.Second,
	}
}

type entry struct {
	name        string
	state       State
	lastSeen    time.Time
	wentOffline time.Time
}

// Manager owns the peer table. Every mutation happens under mu; no
// lock is ever held across an event-sink push or a queue operation.
type Manager struct {
	cfg  Config
	sink *events.Sink
	log  zerolog.Logger

	mu    sync.Mutex
	peers map[wire.MAC]*entry
}

// New creates a Manager.
func New(cfg Config, sink *events.Sink, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		sink:  sink,
		log:   log.With().Str("component", "presence").Logger(),
		peers: make(map[wire.MAC]*entry),
	}
}

// Touch records a presence announcement (HELLO or BROADCAST_ONLINE)
// from mac: the peer is created on first sight, its last_seen is
// refreshed, and a non-empty name updates the learned display name.
// An Offline peer transitions back to Online.
func (m *Manager) Touch(mac wire.MAC, name string) {
	if mac.IsBroadcast() {
		return
	}
	var raiseOnline bool
	var effectiveName string

	m.mu.Lock()
	e, ok := m.peers[mac]
	if !ok {
		e = &entry{name: name, state: Online, lastSeen: time.Now()}
		m.peers[mac] = e
		raiseOnline = true
	} else {
		e.lastSeen = time.Now()
		if name != "" {
			e.name = name
		}
		if e.state == Offline {
			e.state = Online
			raiseOnline = true
		}
	}
	effectiveName = e.name
	m.mu.Unlock()

	if raiseOnline {
		m.log.Info().Str("peer", mac.String()).Str("name", effectiveName).Msg("peer online")
		m.sink.PeerOnlineEvent(mac, effectiveName)
	}
}

// Refresh updates last_seen for a peer already on file, transitioning
// it Offline→Online if it had lapsed. Frames other than presence
// announcements call this: they prove the peer is alive but never
// create a table entry, since a peer only exists once its HELLO or
// BROADCAST_ONLINE has been seen.
func (m *Manager) Refresh(mac wire.MAC) {
	if mac.IsBroadcast() {
		return
	}
	var raiseOnline bool
	var name string

	m.mu.Lock()
	e, ok := m.peers[mac]
	if ok {
		e.lastSeen = time.Now()
		if e.state == Offline {
			e.state = Online
			raiseOnline = true
		}
		name = e.name
	}
	m.mu.Unlock()

	if raiseOnline {
		m.log.Info().Str("peer", mac.String()).Str("name", name).Msg("peer online")
		m.sink.PeerOnlineEvent(mac, name)
	}
}

// MarkOffline transitions mac straight to Offline, used when a
// BROADCAST_OFFLINE frame is received (a peer's own graceful
// shutdown announcement) rather than waiting out presence_timeout.
func (m *Manager) MarkOffline(mac wire.MAC) {
	var raiseOffline bool
	var name string

	m.mu.Lock()
	if e, ok := m.peers[mac]; ok && e.state == Online {
		e.state = Offline
		e.wentOffline = time.Now()
		name = e.name
		raiseOffline = true
	}
	m.mu.Unlock()

	if raiseOffline {
		m.log.Info().Str("peer", mac.String()).Msg("peer offline")
		m.sink.PeerOfflineEvent(mac, name)
	}
}

// ListPeers returns a snapshot of every known peer.
func (m *Manager) ListPeers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for mac, e := range m.peers {
		out = append(out, Peer{MAC: mac, Name: e.name, State: e.state, LastSeen: e.lastSeen})
	}
	return out
}

// cleanupTick transitions stale peers to Offline and removes peers
// that have been Offline for longer than GracePeriod. Each transition
// raises its event exactly once.
func (m *Manager) cleanupTick() {
	now := time.Now()

	var wentOffline []wire.MAC
	var offlineNames []string

	m.mu.Lock()
	for mac, e := range m.peers {
		switch e.state {
		case Online:
			if now.Sub(e.lastSeen) > m.cfg.PresenceTimeout {
				e.state = Offline
				e.wentOffline = now
				wentOffline = append(wentOffline, mac)
				offlineNames = append(offlineNames, e.name)
			}
		case Offline:
			if now.Sub(e.wentOffline) > m.cfg.GracePeriod {
				delete(m.peers, mac)
			}
		}
	}
	m.mu.Unlock()

	for i, mac := range wentOffline {
		m.log.Info().Str("peer", mac.String()).Msg("peer offline: presence timeout")
		m.sink.PeerOfflineEvent(mac, offlineNames[i])
	}
}

// HelloFunc sends one HELLO frame; supplied by the engine, which owns
// the sequence counter, builder, and transmit queue.
type HelloFunc func()

// Run drives the HELLO ticker and the cleanup ticker until stop is
// closed. sendHello is invoked on every HelloInterval tick.
func (m *Manager) Run(stop <-chan struct{}, sendHello HelloFunc) {
	cleanupInterval := m.cfg.AckTick
	if cleanupInterval <= 0 {
		cleanupInterval = 200 * time.Millisecond
	}
	helloTicker := time.NewTicker(m.cfg.HelloInterval)
	defer helloTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-helloTicker.C:
			sendHello()
		case <-cleanupTicker.C:
			m.cleanupTick()
		}
	}
}
