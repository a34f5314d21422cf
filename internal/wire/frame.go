package wire

// EtherType is the private link-layer protocol identifier this system
// reserves for itself. No other framing is permitted on this EtherType.
const EtherType uint16 = 0x88B5

// Kind tags the semantic role of a Frame.
type Kind uint8

const (
	KindMSG Kind = iota + 1
	KindACK
	KindNACK
	KindFILE
	KindFileACK
	KindHELLO
	KindBroadcastOnline
	KindBroadcastOffline
	KindCTRL
)

func (k Kind) String() string {
	switch k {
	case KindMSG:
		return "MSG"
	case KindACK:
		return "ACK"
	case KindNACK:
		return "NACK"
	case KindFILE:
		return "FILE"
	case KindFileACK:
		return "FILE_ACK"
	case KindHELLO:
		return "HELLO"
	case KindBroadcastOnline:
		return "BROADCAST_ONLINE"
	case KindBroadcastOffline:
		return "BROADCAST_OFFLINE"
	case KindCTRL:
		return "CTRL"
	default:
		return "UNKNOWN"
	}
}

// Flag bits carried in the frame header.
const (
	FlagReliable     uint8 = 1 << 0
	FlagLastFragment uint8 = 1 << 1
)

// MaxCleartextPayload is the default MTU-safe cleartext payload
// ceiling. Codec.Encode and Codec.Decode reject frames carrying more
// than the configured maximum.
const MaxCleartextPayload = 1400

// FixedHeaderSize is the number of wire bytes preceding the payload:
// dst(6) + src(6) + ethertype(2) + kind(1) + flags(1) + seq(4) +
// transferID(4) + fragIndex(4) + fragTotal(4) + payloadLen(2).
const FixedHeaderSize = 6 + 6 + 2 + 1 + 1 + 4 + 4 + 4 + 4 + 2

// CRCSize is the trailing CRC-32 field width.
const CRCSize = 4

// Frame is the single wire unit exchanged between peers. Field order
// here matches wire order.
type Frame struct {
	Dst        MAC
	Src        MAC
	Kind       Kind
	Flags      uint8
	Seq        uint32
	TransferID uint32
	FragIndex  uint32
	FragTotal  uint32
	Payload    []byte // cleartext; codec handles obfuscation on the wire
}

// Reliable reports whether the reliable flag bit is set.
func (f *Frame) Reliable() bool { return f.Flags&FlagReliable != 0 }

// LastFragment reports whether this is the final fragment of a file
// transfer.
func (f *Frame) LastFragment() bool { return f.Flags&FlagLastFragment != 0 }

// SetReliable sets or clears the reliable flag bit.
func (f *Frame) SetReliable(v bool) {
	if v {
		f.Flags |= FlagReliable
	} else {
		f.Flags &^= FlagReliable
	}
}

// SetLastFragment sets or clears the last-fragment flag bit.
func (f *Frame) SetLastFragment(v bool) {
	if v {
		f.Flags |= FlagLastFragment
	} else {
		f.Flags &^= FlagLastFragment
	}
}

// validate enforces the frame invariants that don't depend on the raw
// buffer (those live in Decode): payload bound and FILE
// fragment-index/flag consistency. EtherType is implicit, Encode
// always writes it.
func (f *Frame) validate(maxPayload int) error {
	if len(f.Payload) > maxPayload {
		return newMalformed("payload length %d exceeds configured maximum %d", len(f.Payload), maxPayload)
	}
	if f.Kind == KindFILE || f.Kind == KindFileACK {
		if f.FragTotal > 0 && f.FragIndex >= f.FragTotal {
			return newMalformed("fragment index %d >= total %d", f.FragIndex, f.FragTotal)
		}
		if f.FragTotal > 0 {
			wantLast := f.FragIndex == f.FragTotal-1
			if f.LastFragment() != wantLast {
				return newMalformed("last-fragment flag inconsistent with index %d/%d", f.FragIndex, f.FragTotal)
			}
		}
	}
	return nil
}
