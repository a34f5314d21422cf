package wire

import "encoding/binary"

// SeqSource yields the next per-sender monotonically increasing
// sequence number. The engine holds the single atomic counter that
// implements this; the builder never maintains sequence state itself.
type SeqSource interface {
	Next() uint32
}

// Builder constructs every frame kind from semantic inputs. It is a
// pure set of constructors: given the same inputs (including the
// sequence number) it always produces the same Frame.
type Builder struct {
	Local MAC
}

// NewBuilder returns a Builder that stamps Src = local on every frame
// it constructs.
func NewBuilder(local MAC) Builder { return Builder{Local: local} }

// BuildMSG builds a text message frame. Callers wanting the default
// delivery guarantee pass reliable=true; false builds the
// fire-and-forget variant.
func (b Builder) BuildMSG(dst MAC, seq uint32, text string, reliable bool) *Frame {
	f := &Frame{
		Dst:     dst,
		Src:     b.Local,
		Kind:    KindMSG,
		Seq:     seq,
		Payload: []byte(text),
	}
	f.SetReliable(reliable)
	return f
}

// BuildBroadcast builds an unreliable broadcast MSG addressed to the
// broadcast MAC. Broadcast frames are never ACKed by receivers.
func (b Builder) BuildBroadcast(seq uint32, text string) *Frame {
	return &Frame{
		Dst:     Broadcast,
		Src:     b.Local,
		Kind:    KindMSG,
		Seq:     seq,
		Payload: []byte(text),
	}
}

// BuildACK builds an ACK addressed back to the original sender,
// carrying the acknowledged sequence number in its payload.
func (b Builder) BuildACK(dst MAC, seq uint32, ackedSeq uint32) *Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, ackedSeq)
	return &Frame{
		Dst:     dst,
		Src:     b.Local,
		Kind:    KindACK,
		Seq:     seq,
		Payload: payload,
	}
}

// BuildNACK builds an optional fast-retransmit hint naming a single
// sequence number. No component is required to emit NACK; peers that
// receive one treat it as a retransmit-now signal.
func (b Builder) BuildNACK(dst MAC, seq uint32, namedSeq uint32) *Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, namedSeq)
	return &Frame{
		Dst:     dst,
		Src:     b.Local,
		Kind:    KindNACK,
		Seq:     seq,
		Payload: payload,
	}
}

// BuildFile builds one fragment of a file transfer. total is the
// transfer's total fragment count; the last-fragment flag is set iff
// index == total-1, enforced by Frame.validate at encode time.
func (b Builder) BuildFile(dst MAC, seq, transferID, index, total uint32, chunk []byte, reliable bool) *Frame {
	f := &Frame{
		Dst:        dst,
		Src:        b.Local,
		Kind:       KindFILE,
		Seq:        seq,
		TransferID: transferID,
		FragIndex:  index,
		FragTotal:  total,
		Payload:    chunk,
	}
	f.SetReliable(reliable)
	f.SetLastFragment(index == total-1)
	return f
}

// BuildFileACK builds a per-fragment file acknowledgement carrying
// (transfer id, fragment index) in the frame header rather than the
// payload.
func (b Builder) BuildFileACK(dst MAC, seq, transferID, index uint32) *Frame {
	return &Frame{
		Dst:        dst,
		Src:        b.Local,
		Kind:       KindFileACK,
		Seq:        seq,
		TransferID: transferID,
		FragIndex:  index,
	}
}

// BuildHello builds a periodic presence announcement addressed to the
// broadcast MAC, carrying the display name as payload.
func (b Builder) BuildHello(seq uint32, name string) *Frame {
	return &Frame{
		Dst:     Broadcast,
		Src:     b.Local,
		Kind:    KindHELLO,
		Seq:     seq,
		Payload: []byte(name),
	}
}

// BuildBroadcastOnline builds the first-seen presence announcement
// equivalent to HELLO but marking the sender as newly online.
func (b Builder) BuildBroadcastOnline(seq uint32, name string) *Frame {
	return &Frame{
		Dst:     Broadcast,
		Src:     b.Local,
		Kind:    KindBroadcastOnline,
		Seq:     seq,
		Payload: []byte(name),
	}
}

// BuildBroadcastOffline builds the graceful-shutdown presence
// announcement.
func (b Builder) BuildBroadcastOffline(seq uint32) *Frame {
	return &Frame{
		Dst:  Broadcast,
		Src:  b.Local,
		Kind: KindBroadcastOffline,
		Seq:  seq,
	}
}

// BuildCTRL builds a reserved control frame. subtype is carried as the
// first payload byte; unknown subtypes are logged and dropped by the
// router.
func (b Builder) BuildCTRL(dst MAC, seq uint32, subtype byte, data []byte) *Frame {
	payload := make([]byte, 1+len(data))
	payload[0] = subtype
	copy(payload[1:], data)
	return &Frame{
		Dst:     dst,
		Src:     b.Local,
		Kind:    KindCTRL,
		Seq:     seq,
		Payload: payload,
	}
}
