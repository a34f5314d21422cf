package engine

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/ackmgr"
	"github.com/qbolapp/qbolapp/internal/endpoint"
	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/filetransfer"
	"github.com/qbolapp/qbolapp/internal/presence"
	"github.com/qbolapp/qbolapp/internal/receiver"
	"github.com/qbolapp/qbolapp/internal/router"
	"github.com/qbolapp/qbolapp/internal/txqueue"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// seqCounter is the atomic monotonic sequence counter shared by every
// producer of outbound frames.
type seqCounter struct{ n uint32 }

func (s *seqCounter) Next() uint32 { return atomic.AddUint32(&s.n, 1) }

// Engine is the running instance returned by Start. It owns every
// long-lived goroutine: receiver, router, sender, ack-manager ticker,
// presence ticker, and zero or more file-sender drivers.
type Engine struct {
	cfg      Config
	local    wire.MAC
	userName string

	link    endpoint.Link
	codec   *wire.Codec
	builder wire.Builder
	seq     *seqCounter

	queue   *txqueue.Queue
	ackMgr  *ackmgr.Manager
	presenc *presence.Manager
	asm     *filetransfer.Assembler
	rtr     *router.Router
	sink    *events.Sink
	log     zerolog.Logger

	routerIn chan *wire.Frame
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Start binds link (already opened by the caller; see endpoint.Open
// for the platform-specific constructor), constructs every subsystem,
// and launches all long-lived goroutines, announcing presence with a
// BROADCAST_ONLINE frame before returning.
//
// link is accepted rather than an interface name so callers can pass
// either a real endpoint.Open(ifaceName) result or an
// endpoint.Loopback for tests, without this package importing
// golang.org/x/sys/unix itself.
func Start(link endpoint.Link, userName string, cfg Config, log zerolog.Logger) *Engine {
	local := link.LocalMAC()
	log = log.With().Str("component", "engine").Str("local_mac", local.String()).Logger()

	codec := wire.NewCodec(cfg.ObfuscationKey, cfg.PayloadMTU)
	builder := wire.NewBuilder(local)
	sink := events.NewSink(cfg.EventSinkCapacity)
	queue := txqueue.New(cfg.TxQueueCapacity, log)
	ackMgr := ackmgr.New(ackmgr.Config{
		RetransmitInterval: cfg.RetransmitInterval,
		AckTick:            cfg.AckTick,
		MaxAttempts:        cfg.MaxAttempts,
	}, log)
	presenceMgr := presence.New(presence.Config{
		HelloInterval:   cfg.HelloInterval,
		AckTick:         cfg.AckTick,
		PresenceTimeout: cfg.PresenceTimeout,
		GracePeriod:     cfg.PresenceGracePeriod,
	}, sink, log)
	asm := filetransfer.New(filetransfer.AssemblerConfig{TransferTimeout: cfg.TransferTimeout}, sink, log)

	e := &Engine{
		cfg:      cfg,
		local:    local,
		userName: userName,
		link:     link,
		codec:    codec,
		builder:  builder,
		seq:      &seqCounter{},
		queue:    queue,
		ackMgr:   ackMgr,
		presenc:  presenceMgr,
		asm:      asm,
		sink:     sink,
		log:      log,
		routerIn: make(chan *wire.Frame, cfg.RouterQueueCapacity),
		stopCh:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.rtr = router.New(local, builder, e.seq, codec, queue, ackMgr, presenceMgr, asm, sink, log)

	// A link whose writes keep failing is unrecoverable; tear the
	// whole engine down rather than retrying forever. The goroutine
	// hop matters: the sender itself must not block inside Shutdown's
	// wg.Wait on its own exit.
	queue.OnFatal(func() { go e.Shutdown() })

	recv := receiver.New(link, codec, e.routerIn, log)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		recv.Run()
		// recv is the sole writer to routerIn; once its read loop has
		// returned (link closed), closing routerIn lets the router's
		// range loop end too.
		close(e.routerIn)
	}()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.rtr.Run(e.routerIn) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); queue.Run(link) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); ackMgr.Run(e.stopCh, queue, sink) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); presenceMgr.Run(e.stopCh, e.sendHello) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); asm.Run(e.stopCh, cfg.TransferTimeout/4) }()

	e.announceOnline()

	return e
}

func (e *Engine) announceOnline() {
	f := e.builder.BuildBroadcastOnline(e.seq.Next(), e.userName)
	e.enqueueUnreliable(f)
}

func (e *Engine) sendHello() {
	f := e.builder.BuildHello(e.seq.Next(), e.userName)
	e.enqueueUnreliable(f)
}

// SendHello emits one HELLO immediately, in addition to the periodic
// ticker. The CLI's hello command uses it.
func (e *Engine) SendHello() { e.sendHello() }

func (e *Engine) enqueueUnreliable(f *wire.Frame) {
	buf, err := e.codec.Encode(f)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode frame")
		return
	}
	if err := e.queue.EnqueueUnreliable(buf); err != nil {
		e.log.Warn().Str("kind", f.Kind.String()).Msg("dropped outbound frame: queue full")
	}
}

// Events returns the application event sink.
func (e *Engine) Events() <-chan events.Event { return e.sink.Events() }

// SendMessage sends a unicast text message and returns its local
// sequence number.
func (e *Engine) SendMessage(dest wire.MAC, text string, reliable bool) uint32 {
	seq := e.seq.Next()
	f := e.builder.BuildMSG(dest, seq, text, reliable)
	buf, err := e.codec.Encode(f)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode outbound MSG")
		return seq
	}
	if reliable {
		e.ackMgr.Track(dest, seq, wire.KindMSG, buf)
		e.queue.EnqueueReliable(buf)
	} else {
		if err := e.queue.EnqueueUnreliable(buf); err != nil {
			e.log.Warn().Str("peer", dest.String()).Msg("dropped unreliable MSG: queue full")
		}
	}
	return seq
}

// SendBroadcast sends an unreliable text message to every peer on the
// segment. Broadcast frames are never ACKed.
func (e *Engine) SendBroadcast(text string) {
	f := e.builder.BuildBroadcast(e.seq.Next(), text)
	e.enqueueUnreliable(f)
}

// SendFile splits data into payload-MTU-sized fragments and drives
// their delivery in a dedicated goroutine, returning a transfer id
// immediately.
func (e *Engine) SendFile(dest wire.MAC, data []byte, reliable bool) uint32 {
	id := e.nextTransferID()
	cfg := filetransfer.SenderConfig{
		PayloadMTU:         e.cfg.PayloadMTU,
		SendWindow:         e.cfg.SendWindow,
		RetransmitInterval: e.cfg.RetransmitInterval,
		AckTick:            e.cfg.AckTick,
		MaxAttempts:        e.cfg.MaxAttempts,
	}
	transfer := filetransfer.NewOutboundTransfer(id, dest, data, reliable, cfg, e.builder, e.seq, e.queue, e.codec, e.sink, e.log)
	e.rtr.RegisterOutbound(transfer)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.rtr.UnregisterOutbound(id)
		transfer.Run()
	}()

	return id
}

// nextTransferID draws a fresh transfer id uniformly at random from
// the 32-bit space. Collisions are tolerated: two simultaneous
// transfers landing on the same id is vanishingly rare on a LAN.
func (e *Engine) nextTransferID() uint32 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Uint32()
}

// ListPeers returns a snapshot of every known peer.
func (e *Engine) ListPeers() []presence.Peer {
	return e.presenc.ListPeers()
}

// Shutdown announces BROADCAST_OFFLINE, drains the transmit queue
// with a short deadline, then stops every goroutine and releases the
// link. It is idempotent.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		f := e.builder.BuildBroadcastOffline(e.seq.Next())
		e.enqueueUnreliable(f)

		e.rtr.StopAllOutbound()

		close(e.stopCh)
		e.queue.Drain(e.cfg.ShutdownDrain)

		if err := e.link.Close(); err != nil {
			e.log.Warn().Err(err).Msg("error closing link endpoint")
		}

		e.wg.Wait()
		e.sink.Close()
	})
}
