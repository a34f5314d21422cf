package txqueue

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/wire"
)

// captureLink records frames passed to Send, optionally failing every
// call to exercise the persistent-error path.
type captureLink struct {
	sent chan []byte
	fail atomic.Bool
}

func newCaptureLink() *captureLink {
	return &captureLink{sent: make(chan []byte, 64)}
}

func (c *captureLink) Send(frame []byte) error {
	if c.fail.Load() {
		return errors.New("simulated write failure")
	}
	c.sent <- frame
	return nil
}
func (c *captureLink) Recv() ([]byte, error) { select {} }
func (c *captureLink) LocalMAC() wire.MAC    { return wire.MAC{} }
func (c *captureLink) Close() error          { return nil }

func TestQueuePreservesFIFOOrder(t *testing.T) {
	q := New(16, zerolog.New(io.Discard))
	link := newCaptureLink()
	go q.Run(link)
	defer q.Drain(10 * time.Millisecond)

	q.EnqueueReliable([]byte{1})
	q.EnqueueReliable([]byte{2})
	if err := q.EnqueueUnreliable([]byte{3}); err != nil {
		t.Fatalf("EnqueueUnreliable: %v", err)
	}

	for want := byte(1); want <= 3; want++ {
		select {
		case frame := <-link.sent:
			if frame[0] != want {
				t.Fatalf("out of order: got %d, want %d", frame[0], want)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never reached the link", want)
		}
	}
}

func TestEnqueueUnreliableDropsWhenFull(t *testing.T) {
	q := New(1, zerolog.New(io.Discard))
	// No Run goroutine: the single slot fills and stays full.

	if err := q.EnqueueUnreliable([]byte{1}); err != nil {
		t.Fatalf("first enqueue should fit: %v", err)
	}
	if err := q.EnqueueUnreliable([]byte{2}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDrainReleasesBlockedReliableProducer(t *testing.T) {
	q := New(1, zerolog.New(io.Discard))
	q.EnqueueReliable([]byte{1}) // fills the only slot

	released := make(chan struct{})
	go func() {
		q.EnqueueReliable([]byte{2}) // blocks until Drain signals shutdown
		close(released)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Drain(10 * time.Millisecond)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Drain did not release the blocked reliable producer")
	}
}

func TestPersistentWriteFailureFiresFatalHook(t *testing.T) {
	q := New(64, zerolog.New(io.Discard))
	link := newCaptureLink()
	link.fail.Store(true)

	fatal := make(chan struct{})
	q.OnFatal(func() { close(fatal) })
	go q.Run(link)

	for i := 0; i < consecutiveErrLimit+2; i++ {
		_ = q.EnqueueUnreliable([]byte{byte(i)})
	}

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("fatal hook never fired despite persistent write errors")
	}
}
