// Package txqueue implements the single FIFO queue of ready-to-send
// frames and the sender goroutine that drains it onto the link
// endpoint.
package txqueue

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/endpoint"
)

// ErrQueueFull is returned to an unreliable producer when the queue
// has no room; the caller is expected to drop the frame and surface a
// warning, never to retry synchronously.
var ErrQueueFull = errors.New("txqueue: full")

// consecutiveErrLimit is how many endpoint write errors in a row the
// sender tolerates before treating the link as dead.
const consecutiveErrLimit = 8

// Queue is a bounded FIFO of already-encoded frames. Enqueue is
// non-blocking for unreliable kinds and blocking for reliable kinds;
// ordering is FIFO by enqueue time regardless of kind, no reordering
// happens at this layer.
type Queue struct {
	ch   chan []byte
	quit chan struct{}
	log  zerolog.Logger

	// onFatal, when set, is invoked once if the sender gives up on a
	// persistently failing link. Set it before Run starts.
	onFatal func()
}

// New creates a Queue with the given bounded capacity
// (tx_queue_capacity, default 1024).
func New(capacity int, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		ch:   make(chan []byte, capacity),
		quit: make(chan struct{}),
		log:  log.With().Str("component", "txqueue").Logger(),
	}
}

// OnFatal registers a hook invoked if the sender abandons a
// persistently failing link. Must be called before Run.
func (q *Queue) OnFatal(fn func()) { q.onFatal = fn }

// EnqueueReliable blocks the producer until space exists, so a slow
// link never silently loses a reliable frame. Once Drain has signalled
// shutdown it returns immediately and the frame is not enqueued.
func (q *Queue) EnqueueReliable(frame []byte) {
	select {
	case q.ch <- frame:
	case <-q.quit:
	}
}

// EnqueueUnreliable never blocks; if the queue is full the frame is
// dropped and ErrQueueFull is returned so the caller can log a
// warning event.
func (q *Queue) EnqueueUnreliable(frame []byte) error {
	select {
	case q.ch <- frame:
		return nil
	default:
		q.log.Warn().Msg("dropping unreliable frame: queue full")
		return ErrQueueFull
	}
}

// Run drains the queue onto link until Drain signals shutdown,
// sending every frame popped. A single write error is logged and
// skipped; consecutiveErrLimit failures in a row mean the link is
// gone, so the registered fatal hook fires and the loop exits.
// It is meant to run in its own goroutine.
func (q *Queue) Run(link endpoint.Link) {
	consecutive := 0
	for {
		select {
		case <-q.quit:
			return
		case frame := <-q.ch:
			err := link.Send(frame)
			if err == nil {
				consecutive = 0
				continue
			}
			if errors.Is(err, endpoint.ErrClosed) {
				return
			}
			consecutive++
			q.log.Warn().Err(err).Int("consecutive", consecutive).Msg("endpoint send error")
			if consecutive >= consecutiveErrLimit {
				q.log.Error().Msg("persistent endpoint write failure, giving up")
				if q.onFatal != nil {
					q.onFatal()
				}
				return
			}
		}
	}
}

// Drain blocks until the queue empties or deadline elapses, whichever
// comes first, then signals Run to stop. Draining with a short
// deadline lets an already-enqueued BROADCAST_OFFLINE leave before the
// endpoint closes. Producers enqueueing after Drain are either
// released (reliable) or see their frames sit undelivered; nothing
// panics or blocks forever.
func (q *Queue) Drain(deadline time.Duration) {
	timeout := time.After(deadline)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
drain:
	for len(q.ch) > 0 {
		select {
		case <-timeout:
			break drain
		case <-ticker.C:
		}
	}
	close(q.quit)
}
