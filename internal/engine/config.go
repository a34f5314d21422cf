// Package engine wires the receiver, router, transmit queue,
// ack manager, presence manager, and file-transfer subsystems into the
// application API: start, shutdown, send message/broadcast/file, list
// peers, and an event sink.
package engine

import "time"

// Config bundles every tunable the engine recognizes. DefaultConfig
// returns each field at its documented default; Start uses the Config
// as given and does not substitute defaults for zero-value fields.
type Config struct {
	PayloadMTU         int           // default 1400
	RetransmitInterval time.Duration // default 1000ms
	MaxAttempts        int           // default 5
	AckTick            time.Duration // default 200ms
	HelloInterval      time.Duration // default 5000ms
	PresenceTimeout    time.Duration // default 20000ms
	TransferTimeout    time.Duration // default 60000ms
	SendWindow         int           // default 4
	TxQueueCapacity    int           // default 1024
	ObfuscationKey     []byte        // shared fixed byte string, no default

	// ShutdownDrain bounds how long Shutdown waits for the transmit
	// queue to empty before closing the endpoint (default 500ms).
	ShutdownDrain time.Duration

	// PresenceGracePeriod is additional time an Offline peer is kept
	// around before removal from the peer list.
	PresenceGracePeriod time.Duration

	// EventSinkCapacity bounds the application event channel.
	EventSinkCapacity int

	// RouterQueueCapacity bounds the router's input channel.
	RouterQueueCapacity int
}

// DefaultConfig returns the documented defaults. ObfuscationKey is
// left nil; callers must supply one (it has no default because peers
// must share it out of band).
func DefaultConfig() Config {
	return Config{
		PayloadMTU:          1400,
		RetransmitInterval:  1000 * time.Millisecond,
		MaxAttempts:         5,
		AckTick:             200 * time.Millisecond,
		HelloInterval:       5000 * time.Millisecond,
		PresenceTimeout:     20000 * time.Millisecond,
		TransferTimeout:     60000 * time.Millisecond,
		SendWindow:          4,
		TxQueueCapacity:     1024,
		ShutdownDrain:       500 * time.Millisecond,
		PresenceGracePeriod: 60 * time.Second,
		EventSinkCapacity:   256,
		RouterQueueCapacity: 256,
	}
}
