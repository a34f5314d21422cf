package router

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/ackmgr"
	"github.com/qbolapp/qbolapp/internal/endpoint"
	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/filetransfer"
	"github.com/qbolapp/qbolapp/internal/presence"
	"github.com/qbolapp/qbolapp/internal/txqueue"
	"github.com/qbolapp/qbolapp/internal/wire"
)

func testMAC(last byte) wire.MAC {
	return wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, last}
}

type seqCounter struct{ n uint32 }

func (s *seqCounter) Next() uint32 { s.n++; return s.n }

// captureLink is a Link that records every frame passed to Send
// instead of writing it anywhere, so tests can observe what the
// router enqueued without a real or loopback transport.
type captureLink struct {
	local wire.MAC
	sent  chan []byte
}

func newCaptureLink(local wire.MAC) *captureLink {
	return &captureLink{local: local, sent: make(chan []byte, 64)}
}

func (c *captureLink) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.sent <- cp
	return nil
}
func (c *captureLink) Recv() ([]byte, error) { select {} }
func (c *captureLink) LocalMAC() wire.MAC    { return c.local }
func (c *captureLink) Close() error          { return nil }

func newTestRouter(local wire.MAC) (*Router, *events.Sink, *txqueue.Queue, *ackmgr.Manager, *captureLink) {
	log := zerolog.New(io.Discard)
	sink := events.NewSink(64)
	queue := txqueue.New(64, log)
	am := ackmgr.New(ackmgr.DefaultConfig(), log)
	pm := presence.New(presence.DefaultConfig(), sink, log)
	asm := filetransfer.New(filetransfer.DefaultAssemblerConfig(), sink, log)
	builder := wire.NewBuilder(local)
	codec := wire.NewCodec([]byte("test-key"), wire.DefaultMTU)
	r := New(local, builder, &seqCounter{}, codec, queue, am, pm, asm, sink, log)
	link := newCaptureLink(local)
	go queue.Run(link)
	return r, sink, queue, am, link
}

var _ endpoint.Link = (*captureLink)(nil)

func recvEvent(t *testing.T, sink *events.Sink) events.Event {
	t.Helper()
	select {
	case e := <-sink.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestRouterDeliversReliableMSGAndSendsACK(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, _, _, link := newTestRouter(local)

	f := &wire.Frame{Dst: local, Src: peer, Kind: wire.KindMSG, Seq: 7, Payload: []byte("hi")}
	f.SetReliable(true)

	r.dispatch(f)

	e := recvEvent(t, sink)
	if e.Kind != events.MessageReceived || e.Text != "hi" || e.Peer != peer {
		t.Fatalf("unexpected event: %+v", e)
	}

	select {
	case buf := <-link.sent:
		decoded, err := wire.NewCodec([]byte("test-key"), wire.DefaultMTU).Decode(buf)
		if err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if decoded.Kind != wire.KindACK {
			t.Fatalf("expected ACK, got %v", decoded.Kind)
		}
		if binary.BigEndian.Uint32(decoded.Payload) != 7 {
			t.Fatalf("ACK did not carry acked seq 7")
		}
	case <-time.After(time.Second):
		t.Fatal("no ACK enqueued")
	}
}

func TestRouterDuplicateMSGStillReACKsButNotRedelivered(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, _, _, link := newTestRouter(local)

	f := &wire.Frame{Dst: local, Src: peer, Kind: wire.KindMSG, Seq: 3, Payload: []byte("once")}
	f.SetReliable(true)

	r.dispatch(f)
	recvEvent(t, sink) // MessageReceived

	r.dispatch(f) // duplicate
	select {
	case e := <-sink.Events():
		t.Fatalf("duplicate should not redeliver, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}

	// Both the original and the duplicate must have been ACKed.
	codec := wire.NewCodec([]byte("test-key"), wire.DefaultMTU)
	for i := 0; i < 2; i++ {
		select {
		case buf := <-link.sent:
			decoded, err := codec.Decode(buf)
			if err != nil {
				t.Fatalf("decode ack %d: %v", i, err)
			}
			if decoded.Kind != wire.KindACK || binary.BigEndian.Uint32(decoded.Payload) != 3 {
				t.Fatalf("ack %d: expected ACK of seq 3, got %+v", i, decoded)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d of 2 ACKs enqueued", i)
		}
	}
}

func TestRouterBroadcastNeverACKed(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, _, _, link := newTestRouter(local)

	f := wire.NewBuilder(peer).BuildBroadcast(1, "hello all")
	r.dispatch(f)

	e := recvEvent(t, sink)
	if e.Kind != events.BroadcastReceived {
		t.Fatalf("expected BroadcastReceived, got %v", e.Kind)
	}
	select {
	case buf := <-link.sent:
		t.Fatalf("broadcast should never be ACKed, got frame of len %d", len(buf))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterACKRetiresAckMgrRecord(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, _, _, am, _ := newTestRouter(local)

	am.Track(peer, 5, wire.KindMSG, []byte("frame"))
	if !am.Pending(peer, 5) {
		t.Fatal("record should be pending")
	}

	ack := wire.NewBuilder(peer).BuildACK(local, 1, 5)
	r.dispatch(ack)

	if am.Pending(peer, 5) {
		t.Fatal("ACK should have retired the record")
	}
}

func TestRouterIgnoresSelfLoopedFrames(t *testing.T) {
	local := testMAC(1)
	r, sink, _, _, _ := newTestRouter(local)

	f := wire.NewBuilder(local).BuildBroadcast(1, "echo")
	r.dispatch(f)

	select {
	case e := <-sink.Events():
		t.Fatalf("self-looped frame should be dropped, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterFileFragmentCompletesAndACKs(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, _, _, link := newTestRouter(local)

	b := wire.NewBuilder(peer)
	f := b.BuildFile(local, 10, 99, 0, 1, []byte("all"), true)

	r.dispatch(f)

	e := recvEvent(t, sink)
	if e.Kind != events.TransferCompleted || string(e.Bytes) != "all" {
		t.Fatalf("unexpected event: %+v", e)
	}

	select {
	case buf := <-link.sent:
		decoded, err := wire.NewCodec([]byte("test-key"), wire.DefaultMTU).Decode(buf)
		if err != nil {
			t.Fatalf("decode file_ack: %v", err)
		}
		if decoded.Kind != wire.KindFileACK || decoded.TransferID != 99 || decoded.FragIndex != 0 {
			t.Fatalf("unexpected FILE_ACK: %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("no FILE_ACK enqueued")
	}
}

func TestRouterFileACKAdvancesRegisteredOutboundTransfer(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, queue, _, _ := newTestRouter(local)

	builder := wire.NewBuilder(local)
	codec := wire.NewCodec([]byte("test-key"), wire.DefaultMTU)
	log := zerolog.New(io.Discard)
	transfer := filetransfer.NewOutboundTransfer(42, peer, []byte("x"), true, filetransfer.DefaultSenderConfig(),
		builder, &seqCounter{}, queue, codec, sink, log)
	r.RegisterOutbound(transfer)
	go transfer.Run()
	defer transfer.Stop()

	fileAck := wire.NewBuilder(peer).BuildFileACK(local, 1, 42, 0)
	r.dispatch(fileAck)

	select {
	case e := <-sink.Events():
		if e.Kind != events.TransferCompleted || e.TransferID != 42 {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound transfer never completed after FILE_ACK")
	}
}

func TestRouterPresenceFrames(t *testing.T) {
	local := testMAC(1)
	peer := testMAC(2)
	r, sink, _, _, _ := newTestRouter(local)

	hello := wire.NewBuilder(peer).BuildHello(1, "alice")
	r.dispatch(hello)
	e := recvEvent(t, sink)
	if e.Kind != events.PeerOnline || e.Name != "alice" {
		t.Fatalf("unexpected event: %+v", e)
	}

	off := wire.NewBuilder(peer).BuildBroadcastOffline(2)
	r.dispatch(off)
	e = recvEvent(t, sink)
	if e.Kind != events.PeerOffline {
		t.Fatalf("unexpected event: %+v", e)
	}
}
