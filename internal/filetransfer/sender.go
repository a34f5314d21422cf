// Package filetransfer implements the outbound fragment sender and
// the inbound fragment assembler.
package filetransfer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/txqueue"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// SenderConfig bundles the knobs governing outbound transfers.
type SenderConfig struct {
	PayloadMTU         int
	SendWindow         int           // default 4
	RetransmitInterval time.Duration // default 1000ms
	AckTick            time.Duration // default 200ms
	MaxAttempts        int           // default 5
}

// DefaultSenderConfig returns the documented defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		PayloadMTU:         wire.DefaultMTU,
		SendWindow:         4,
		RetransmitInterval: 1000 * time.Millisecond,
		AckTick:            200 * time.Millisecond,
		MaxAttempts:        5,
	}
}

type outstandingFragment struct {
	frame    []byte
	sendTime time.Time
	attempts int
}

// OutboundTransfer fragments one blob into ordered FILE frames and
// drives them onto the transmit queue, either with a stop-and-wait
// window (reliable) or all at once (unreliable).
// All of its mutable state is owned by the single goroutine running
// Run; callers interact with it only through the channel-backed
// methods below, so no separate mutex is needed.
type OutboundTransfer struct {
	ID   uint32
	Dest wire.MAC

	reliable bool
	chunks   [][]byte
	cfg      SenderConfig
	builder  wire.Builder
	seq      wire.SeqSource
	queue    *txqueue.Queue
	codec    *wire.Codec
	sink     *events.Sink
	log      zerolog.Logger

	advanceCh chan uint32
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewOutboundTransfer splits blob into payloadMTU-sized chunks and
// returns a transfer ready to run.
func NewOutboundTransfer(id uint32, dest wire.MAC, blob []byte, reliable bool, cfg SenderConfig,
	builder wire.Builder, seq wire.SeqSource, queue *txqueue.Queue, codec *wire.Codec, sink *events.Sink, log zerolog.Logger) *OutboundTransfer {

	mtu := cfg.PayloadMTU
	if mtu <= 0 {
		mtu = wire.DefaultMTU
	}
	var chunks [][]byte
	if len(blob) == 0 {
		chunks = [][]byte{{}}
	} else {
		for off := 0; off < len(blob); off += mtu {
			end := off + mtu
			if end > len(blob) {
				end = len(blob)
			}
			chunks = append(chunks, blob[off:end])
		}
	}

	return &OutboundTransfer{
		ID:        id,
		Dest:      dest,
		reliable:  reliable,
		chunks:    chunks,
		cfg:       cfg,
		builder:   builder,
		seq:       seq,
		queue:     queue,
		codec:     codec,
		sink:      sink,
		log:       log.With().Str("component", "filesender").Uint32("transfer_id", id).Logger(),
		advanceCh: make(chan uint32, len(chunks)+1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Advance retires fragIndex from the outstanding window, called by
// the router when a FILE_ACK names this transfer.
func (t *OutboundTransfer) Advance(fragIndex uint32) {
	select {
	case t.advanceCh <- fragIndex:
	case <-t.doneCh:
	}
}

// Stop aborts the transfer, marking it failed.
func (t *OutboundTransfer) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// Done returns a channel closed once the transfer's Run loop has
// exited (succeeded, failed, or was stopped).
func (t *OutboundTransfer) Done() <-chan struct{} { return t.doneCh }

func (t *OutboundTransfer) buildAndEncode(index uint32) []byte {
	f := t.builder.BuildFile(t.Dest, t.seq.Next(), t.ID, index, uint32(len(t.chunks)), t.chunks[index], t.reliable)
	buf, err := t.codec.Encode(f)
	if err != nil {
		// Only reachable if PayloadMTU was misconfigured smaller than
		// chunks were cut to; treat as a programming error surfaced
		// via log rather than a silent drop.
		t.log.Error().Err(err).Uint32("frag_index", index).Msg("failed to encode file fragment")
		return nil
	}
	return buf
}

// Run drives the transfer to completion or failure. It is meant to
// run in its own goroutine, one file-sender driver per active
// transfer.
func (t *OutboundTransfer) Run() {
	defer close(t.doneCh)

	total := uint32(len(t.chunks))

	if !t.reliable {
		for i := uint32(0); i < total; i++ {
			if buf := t.buildAndEncode(i); buf != nil {
				if err := t.queue.EnqueueUnreliable(buf); err != nil {
					t.log.Warn().Uint32("frag_index", i).Msg("dropped file fragment: queue full")
				}
			}
		}
		t.sink.TransferCompletedEvent(t.Dest, t.ID, nil)
		return
	}

	window := t.cfg.SendWindow
	if window <= 0 {
		window = 4
	}

	outstanding := make(map[uint32]*outstandingFragment, window)
	nextToSend := uint32(0)
	retired := uint32(0)

	sendFragment := func(i uint32) {
		buf := t.buildAndEncode(i)
		if buf == nil {
			return
		}
		outstanding[i] = &outstandingFragment{frame: buf, sendTime: time.Now(), attempts: 1}
		t.queue.EnqueueReliable(buf)
	}

	for nextToSend < total && uint32(len(outstanding)) < uint32(window) {
		sendFragment(nextToSend)
		nextToSend++
	}

	ticker := time.NewTicker(t.cfg.AckTick)
	defer ticker.Stop()

	for retired < total {
		select {
		case <-t.stopCh:
			t.log.Warn().Msg("transfer stopped before completion")
			t.sink.TransferFailedEvent(t.Dest, t.ID, "stopped")
			return

		case idx := <-t.advanceCh:
			if _, ok := outstanding[idx]; !ok {
				continue // duplicate or already-retired ACK
			}
			delete(outstanding, idx)
			retired++
			for nextToSend < total && uint32(len(outstanding)) < uint32(window) {
				sendFragment(nextToSend)
				nextToSend++
			}

		case <-ticker.C:
			now := time.Now()
			for idx, frag := range outstanding {
				if now.Sub(frag.sendTime) <= t.cfg.RetransmitInterval {
					continue
				}
				if frag.attempts >= t.cfg.MaxAttempts {
					t.log.Warn().Uint32("frag_index", idx).Msg("fragment exceeded max attempts")
					t.sink.TransferFailedEvent(t.Dest, t.ID, "fragment exceeded max attempts")
					return
				}
				frag.attempts++
				frag.sendTime = now
				t.queue.EnqueueReliable(frag.frame)
			}
		}
	}

	t.sink.TransferCompletedEvent(t.Dest, t.ID, nil)
}
