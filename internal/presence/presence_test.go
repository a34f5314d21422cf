package presence

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/wire"
)

func testMAC(last byte) wire.MAC {
	return wire.MAC{0x20, 0x00, 0x00, 0x00, 0x00, last}
}

func recvEvent(t *testing.T, sink *events.Sink, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case e := <-sink.Events():
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestTouchNewPeerRaisesOnline(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))
	mac := testMAC(1)

	m.Touch(mac, "alice")

	e := recvEvent(t, sink, time.Second)
	if e.Kind != events.PeerOnline || e.Peer != mac || e.Name != "alice" {
		t.Fatalf("unexpected event: %+v", e)
	}

	peers := m.ListPeers()
	if len(peers) != 1 || peers[0].MAC != mac || peers[0].State != Online {
		t.Fatalf("unexpected peer table: %+v", peers)
	}
}

func TestTouchBroadcastAddressIsIgnored(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))

	m.Touch(wire.Broadcast, "nobody")

	if len(m.ListPeers()) != 0 {
		t.Fatal("broadcast address must never be tracked as a peer")
	}
}

func TestRefreshUnknownPeerCreatesNothing(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))

	// A data frame from a peer whose HELLO we never saw proves it is
	// alive but must not fabricate a table entry for it.
	m.Refresh(testMAC(9))

	if len(m.ListPeers()) != 0 {
		t.Fatal("Refresh must not create unknown peers")
	}
	select {
	case e := <-sink.Events():
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefreshOfflinePeerReRaisesOnline(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))
	mac := testMAC(10)

	m.Touch(mac, "frank")
	recvEvent(t, sink, time.Second) // online

	m.MarkOffline(mac)
	recvEvent(t, sink, time.Second) // offline

	m.Refresh(mac)
	e := recvEvent(t, sink, time.Second)
	if e.Kind != events.PeerOnline || e.Peer != mac || e.Name != "frank" {
		t.Fatalf("expected peer_online after Refresh of an offline peer, got %+v", e)
	}
}

func TestMarkOfflineRaisesOfflineOnce(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))
	mac := testMAC(2)

	m.Touch(mac, "bob")
	recvEvent(t, sink, time.Second) // online

	m.MarkOffline(mac)
	e := recvEvent(t, sink, time.Second)
	if e.Kind != events.PeerOffline || e.Peer != mac {
		t.Fatalf("unexpected event: %+v", e)
	}

	// A second MarkOffline on an already-offline peer must not fire again.
	m.MarkOffline(mac)
	select {
	case e := <-sink.Events():
		t.Fatalf("unexpected second offline event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTouchAfterMarkOfflineReRaisesOnline(t *testing.T) {
	sink := events.NewSink(16)
	m := New(DefaultConfig(), sink, zerolog.New(io.Discard))
	mac := testMAC(3)

	m.Touch(mac, "carol")
	recvEvent(t, sink, time.Second) // online

	m.MarkOffline(mac)
	recvEvent(t, sink, time.Second) // offline

	m.Touch(mac, "")
	e := recvEvent(t, sink, time.Second)
	if e.Kind != events.PeerOnline || e.Peer != mac || e.Name != "carol" {
		t.Fatalf("expected re-raised peer_online with learned name preserved, got %+v", e)
	}
}

func TestCleanupTickTransitionsToOfflineAfterTimeout(t *testing.T) {
	sink := events.NewSink(16)
	cfg := Config{HelloInterval: time.Hour, AckTick: 5 * time.Millisecond, PresenceTimeout: 30 * time.Millisecond, GracePeriod: time.Hour}
	m := New(cfg, sink, zerolog.New(io.Discard))
	mac := testMAC(4)

	m.Touch(mac, "dave")
	recvEvent(t, sink, time.Second) // online

	stop := make(chan struct{})
	defer close(stop)
	go m.Run(stop, func() {})

	e := recvEvent(t, sink, time.Second)
	if e.Kind != events.PeerOffline || e.Peer != mac {
		t.Fatalf("expected timeout-driven peer_offline, got %+v", e)
	}

	peers := m.ListPeers()
	if len(peers) != 1 || peers[0].State != Offline {
		t.Fatalf("expected peer still present but offline, got %+v", peers)
	}
}

func TestCleanupTickRemovesPeerAfterGracePeriod(t *testing.T) {
	sink := events.NewSink(16)
	cfg := Config{HelloInterval: time.Hour, AckTick: 5 * time.Millisecond, PresenceTimeout: 20 * time.Millisecond, GracePeriod: 20 * time.Millisecond}
	m := New(cfg, sink, zerolog.New(io.Discard))
	mac := testMAC(5)

	m.Touch(mac, "erin")
	recvEvent(t, sink, time.Second) // online

	stop := make(chan struct{})
	defer close(stop)
	go m.Run(stop, func() {})

	recvEvent(t, sink, time.Second) // offline

	deadline := time.Now().Add(time.Second)
	for len(m.ListPeers()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(m.ListPeers()) != 0 {
		t.Fatalf("expected peer to be removed after grace period, got %+v", m.ListPeers())
	}
}

func TestRunInvokesSendHelloOnInterval(t *testing.T) {
	sink := events.NewSink(16)
	cfg := Config{HelloInterval: 20 * time.Millisecond, AckTick: 5 * time.Millisecond, PresenceTimeout: time.Hour, GracePeriod: time.Hour}
	m := New(cfg, sink, zerolog.New(io.Discard))

	calls := make(chan struct{}, 4)
	stop := make(chan struct{})
	defer close(stop)
	go m.Run(stop, func() { calls <- struct{}{} })

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("sendHello was never invoked")
	}
}
