package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/qbolapp/qbolapp/internal/wire"
)

func testMAC(last byte) wire.MAC {
	return wire.MAC{0x40, 0x00, 0x00, 0x00, 0x00, last}
}

func TestLoopbackBroadcastExcludesSender(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := NewLoopback(fabric, testMAC(1), 16)
	b := NewLoopback(fabric, testMAC(2), 16)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frame := <-recvAsync(b):
		if string(frame) != "hello" {
			t.Fatalf("got %q, want hello", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received the frame")
	}

	select {
	case frame := <-recvAsync(a):
		t.Fatalf("sender must not receive its own frame, got %q", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackMultiSubscriberDelivery(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := NewLoopback(fabric, testMAC(1), 16)
	b := NewLoopback(fabric, testMAC(2), 16)
	c := NewLoopback(fabric, testMAC(3), 16)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Send([]byte("hi all")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, l := range []*Loopback{b, c} {
		select {
		case frame := <-recvAsync(l):
			if string(frame) != "hi all" {
				t.Fatalf("got %q, want hi all", frame)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the broadcast frame")
		}
	}
}

func TestLoopbackInboxFullDropsFrame(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := NewLoopback(fabric, testMAC(1), 16)
	b := NewLoopback(fabric, testMAC(2), 2) // tiny inbox
	defer a.Close()
	defer b.Close()

	for i := 0; i < 5; i++ {
		_ = a.Send([]byte{byte(i)})
	}

	// The inbox only holds 2; the rest must have been silently dropped
	// rather than blocking the sender or panicking.
	got := 0
	deadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-recvAsync(b):
			got++
		case <-deadline:
			break drain
		}
	}
	if got > 2 {
		t.Fatalf("expected at most 2 buffered frames, got %d", got)
	}
}

func TestLoopbackCloseIsIdempotentAndUnblocksRecv(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := NewLoopback(fabric, testMAC(1), 4)

	done := make(chan error, 1)
	go func() {
		_, err := a.Recv()
		done <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Recv after Close returned %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}

	if err := a.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close returned %v, want ErrClosed", err)
	}
}

// recvAsync adapts the blocking Recv method to a channel so it can be
// used inside a select alongside a timeout.
func recvAsync(l *Loopback) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		frame, err := l.Recv()
		if err == nil {
			out <- frame
		}
	}()
	return out
}
