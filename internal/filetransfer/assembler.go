package filetransfer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qbolapp/qbolapp/internal/events"
	"github.com/qbolapp/qbolapp/internal/wire"
)

// AssemblerConfig bundles the knob governing inbound transfer idle
// expiry.
type AssemblerConfig struct {
	TransferTimeout time.Duration // default 60s
}

// DefaultAssemblerConfig returns the documented default.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{TransferTimeout: 60 * time.Second}
}

type inboundKey struct {
	src        wire.MAC
	transferID uint32
}

type inboundTransfer struct {
	total        uint32
	fragments    map[uint32][]byte
	startedAt    time.Time
	lastActivity time.Time
}

// Assembler reassembles inbound FILE fragments per (source MAC,
// transfer id).
type Assembler struct {
	cfg  AssemblerConfig
	sink *events.Sink
	log  zerolog.Logger

	mu        sync.Mutex
	transfers map[inboundKey]*inboundTransfer
}

// New creates an Assembler.
func New(cfg AssemblerConfig, sink *events.Sink, log zerolog.Logger) *Assembler {
	return &Assembler{
		cfg:       cfg,
		sink:      sink,
		log:       log.With().Str("component", "assembler").Logger(),
		transfers: make(map[inboundKey]*inboundTransfer),
	}
}

// AddFragment records one inbound fragment. When it completes the
// transfer (every index in [0, total) now present), it reassembles
// the blob, removes the record, and returns it via ok=true.
func (a *Assembler) AddFragment(src wire.MAC, transferID, fragIndex, fragTotal uint32, payload []byte) (blob []byte, ok bool) {
	a.mu.Lock()

	k := inboundKey{src, transferID}
	t, exists := a.transfers[k]
	if !exists {
		t = &inboundTransfer{
			fragments:    make(map[uint32][]byte),
			startedAt:    time.Now(),
			lastActivity: time.Now(),
		}
		a.transfers[k] = t
	}
	if fragTotal > 0 {
		t.total = fragTotal
	}
	if _, dup := t.fragments[fragIndex]; !dup {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		t.fragments[fragIndex] = cp
	}
	t.lastActivity = time.Now()

	complete := t.total > 0 && uint32(len(t.fragments)) == t.total
	var assembled []byte
	if complete {
		assembled = reassemble(t)
		delete(a.transfers, k)
	}
	a.mu.Unlock()

	if complete {
		a.log.Info().Str("peer", src.String()).Uint32("transfer_id", transferID).Int("bytes", len(assembled)).Msg("transfer completed")
		return assembled, true
	}
	return nil, false
}

func reassemble(t *inboundTransfer) []byte {
	var out []byte
	for i := uint32(0); i < t.total; i++ {
		out = append(out, t.fragments[i]...)
	}
	return out
}

// sweepExpired discards inbound transfers idle past TransferTimeout
// and reports the source MAC + transfer id of each, for the caller to
// raise TransferFailed events with (done outside the lock per the
// rest of this package's no-lock-across-IO discipline).
func (a *Assembler) sweepExpired() []inboundKey {
	now := time.Now()
	var expired []inboundKey

	a.mu.Lock()
	for k, t := range a.transfers {
		if now.Sub(t.lastActivity) > a.cfg.TransferTimeout {
			expired = append(expired, k)
			delete(a.transfers, k)
		}
	}
	a.mu.Unlock()

	return expired
}

// Run periodically sweeps for idle inbound transfers until stop is
// closed, raising TransferFailed for each one discarded.
func (a *Assembler) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, k := range a.sweepExpired() {
				a.log.Warn().Str("peer", k.src.String()).Uint32("transfer_id", k.transferID).Msg("inbound transfer timed out")
				a.sink.TransferFailedEvent(k.src, k.transferID, "idle timeout")
			}
		}
	}
}
