// Package router implements single-threaded dispatch of decoded
// frames by kind, including duplicate suppression and the
// request/response pairs (MSG to ACK, FILE to FILE_ACK) that only the
// router is positioned to synthesize.
package router

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/ackmgr"
	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/filetransfer"
	"github.com/qbolapp/qbolapp/internal/presence"
	"github.com/qbolapp/qbolapp/internal/txqueue"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// dupWindowSize is the per-peer duplicate-suppression window depth.
const dupWindowSize = 256

// dupWindow tracks the last dupWindowSize sequence numbers seen from
// one peer, as a ring of seen values plus a set for O(1) membership.
type dupWindow struct {
	seen  map[uint32]struct{}
	order []uint32
}

func newDupWindow() *dupWindow {
	return &dupWindow{seen: make(map[uint32]struct{}, dupWindowSize)}
}

func (w *dupWindow) seenBefore(seq uint32) bool {
	_, ok := w.seen[seq]
	return ok
}

func (w *dupWindow) mark(seq uint32) {
	if _, ok := w.seen[seq]; ok {
		return
	}
	w.seen[seq] = struct{}{}
	w.order = append(w.order, seq)
	if len(w.order) > dupWindowSize {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
}

// Router dispatches frames from a single bounded input channel. Every
// field below is touched only from within Run's goroutine except
// outbound (guarded by its own mutex, since SendFile registers new
// outbound transfers from whichever goroutine calls it).
type Router struct {
	local   wire.MAC
	builder wire.Builder
	seq     wire.SeqSource
	codec   *wire.Codec
	queue   *txqueue.Queue
	ackMgr  *ackmgr.Manager
	presenc *presence.Manager
	asm     *filetransfer.Assembler
	sink    *events.Sink
	log     zerolog.Logger

	dup map[wire.MAC]*dupWindow

	outMu    sync.Mutex
	outbound map[uint32]*filetransfer.OutboundTransfer
}

// New builds a Router.
func New(local wire.MAC, builder wire.Builder, seq wire.SeqSource, codec *wire.Codec, queue *txqueue.Queue,
	ackMgr *ackmgr.Manager, presenceMgr *presence.Manager, asm *filetransfer.Assembler, sink *events.Sink, log zerolog.Logger) *Router {
	return &Router{
		local:    local,
		builder:  builder,
		seq:      seq,
		codec:    codec,
		queue:    queue,
		ackMgr:   ackMgr,
		presenc:  presenceMgr,
		asm:      asm,
		sink:     sink,
		log:      log.With().Str("component", "router").Logger(),
		dup:      make(map[wire.MAC]*dupWindow),
		outbound: make(map[uint32]*filetransfer.OutboundTransfer),
	}
}

// RegisterOutbound makes transfer reachable by FILE_ACK frames naming
// its transfer id. Call it before enqueueing the transfer's first
// fragment, so a fast-arriving FILE_ACK never races registration.
func (r *Router) RegisterOutbound(t *filetransfer.OutboundTransfer) {
	r.outMu.Lock()
	r.outbound[t.ID] = t
	r.outMu.Unlock()
}

// UnregisterOutbound drops the transfer from the FILE_ACK routing
// table once it has finished.
func (r *Router) UnregisterOutbound(id uint32) {
	r.outMu.Lock()
	delete(r.outbound, id)
	r.outMu.Unlock()
}

// StopAllOutbound stops every outbound transfer still registered,
// used during engine shutdown to mark them failed rather than leaving
// them to hang waiting for FILE_ACKs that will never arrive.
func (r *Router) StopAllOutbound() {
	r.outMu.Lock()
	transfers := make([]*filetransfer.OutboundTransfer, 0, len(r.outbound))
	for _, t := range r.outbound {
		transfers = append(transfers, t)
	}
	r.outMu.Unlock()

	for _, t := range transfers {
		t.Stop()
	}
}

func (r *Router) lookupOutbound(id uint32) (*filetransfer.OutboundTransfer, bool) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	t, ok := r.outbound[id]
	return t, ok
}

func (r *Router) windowFor(peer wire.MAC) *dupWindow {
	w, ok := r.dup[peer]
	if !ok {
		w = newDupWindow()
		r.dup[peer] = w
	}
	return w
}

// Run dispatches frames from in until it is closed.
func (r *Router) Run(in <-chan *wire.Frame) {
	for f := range in {
		r.dispatch(f)
	}
}

func (r *Router) dispatch(f *wire.Frame) {
	if f.Src == r.local {
		return // our own frame looped back by a shared/broadcast medium
	}
	if !f.Dst.IsBroadcast() {
		r.presenc.Refresh(f.Src)
	}

	switch f.Kind {
	case wire.KindMSG:
		r.handleMSG(f)
	case wire.KindACK:
		r.handleACK(f)
	case wire.KindNACK:
		r.handleNACK(f)
	case wire.KindFILE:
		r.handleFILE(f)
	case wire.KindFileACK:
		r.handleFileACK(f)
	case wire.KindHELLO, wire.KindBroadcastOnline:
		r.presenc.Touch(f.Src, string(f.Payload))
	case wire.KindBroadcastOffline:
		r.presenc.MarkOffline(f.Src)
	case wire.KindCTRL:
		r.log.Debug().Str("peer", f.Src.String()).Msg("dropped unknown CTRL frame")
	default:
		r.log.Debug().Uint8("kind", uint8(f.Kind)).Msg("dropped frame: unknown kind")
	}
}

func (r *Router) handleMSG(f *wire.Frame) {
	if f.Dst.IsBroadcast() {
		r.presenc.Refresh(f.Src)
		w := r.windowFor(f.Src)
		if !w.seenBefore(f.Seq) {
			w.mark(f.Seq)
			r.sink.BroadcastReceivedEvent(f.Src, string(f.Payload))
		}
		return // receivers never ACK a broadcast
	}

	w := r.windowFor(f.Src)
	duplicate := w.seenBefore(f.Seq)
	if !duplicate {
		w.mark(f.Seq)
		r.sink.MessageReceivedEvent(f.Src, string(f.Payload))
	}

	if f.Reliable() {
		// Every duplicate still triggers a re-ACK, whether or not it
		// was re-delivered above.
		ack := r.builder.BuildACK(f.Src, r.seq.Next(), f.Seq)
		r.sendControl(ack)
	}
}

func (r *Router) handleACK(f *wire.Frame) {
	if len(f.Payload) < 4 {
		r.log.Debug().Msg("dropped malformed ACK payload")
		return
	}
	ackedSeq := binary.BigEndian.Uint32(f.Payload)
	r.ackMgr.Ack(f.Src, ackedSeq)
}

func (r *Router) handleNACK(f *wire.Frame) {
	if len(f.Payload) < 4 {
		r.log.Debug().Msg("dropped malformed NACK payload")
		return
	}
	namedSeq := binary.BigEndian.Uint32(f.Payload)
	r.ackMgr.ForceRetransmit(f.Src, namedSeq)
}

func (r *Router) handleFILE(f *wire.Frame) {
	w := r.windowFor(f.Src)
	isDup := w.seenBefore(f.Seq)
	if !isDup {
		w.mark(f.Seq)
		if blob, completed := r.asm.AddFragment(f.Src, f.TransferID, f.FragIndex, f.FragTotal, f.Payload); completed {
			r.sink.TransferCompletedEvent(f.Src, f.TransferID, blob)
		}
	}

	if f.Reliable() {
		ack := r.builder.BuildFileACK(f.Src, r.seq.Next(), f.TransferID, f.FragIndex)
		r.sendControl(ack)
	}
}

func (r *Router) handleFileACK(f *wire.Frame) {
	t, ok := r.lookupOutbound(f.TransferID)
	if !ok {
		return // transfer already completed/unregistered, or unknown
	}
	t.Advance(f.FragIndex)
}

// sendControl encodes and enqueues a router-synthesized ACK/FILE_ACK.
// These are never reliable, so a full queue drops them with a warning
// rather than blocking the single-threaded router.
func (r *Router) sendControl(f *wire.Frame) {
	buf, err := r.codec.Encode(f)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode synthesized control frame")
		return
	}
	if err := r.queue.EnqueueUnreliable(buf); err != nil {
		r.log.Warn().Str("kind", f.Kind.String()).Msg("dropped synthesized control frame: queue full")
	}
}
