package wire

import (
	"encoding/binary"
	"hash/crc32"
)

// DefaultMTU is the default cleartext payload ceiling.
const DefaultMTU = MaxCleartextPayload

// Codec serializes and deserializes Frames. It owns the shared
// obfuscation key and the configured payload MTU; both are per-engine
// configuration, not per-call state, so a single Codec is safe for
// concurrent use by the receiver and every producer of outbound
// frames.
type Codec struct {
	key []byte
	mtu int
}

// NewCodec builds a Codec bound to a shared obfuscation key and a
// cleartext payload ceiling. mtu <= 0 falls back to DefaultMTU.
func NewCodec(obfuscationKey []byte, mtu int) *Codec {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Codec{key: obfuscationKey, mtu: mtu}
}

// Encode serializes f into its wire representation: fixed header,
// obfuscated payload, trailing CRC-32 over everything preceding it.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	if err := f.validate(c.mtu); err != nil {
		return nil, err
	}
	obfPayload := obfuscate(f.Payload, c.key)

	buf := make([]byte, FixedHeaderSize+len(obfPayload)+CRCSize)
	off := 0
	copy(buf[off:], f.Dst[:])
	off += 6
	copy(buf[off:], f.Src[:])
	off += 6
	binary.BigEndian.PutUint16(buf[off:], EtherType)
	off += 2
	buf[off] = byte(f.Kind)
	off++
	buf[off] = f.Flags
	off++
	binary.BigEndian.PutUint32(buf[off:], f.Seq)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.TransferID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.FragIndex)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.FragTotal)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(obfPayload)))
	off += 2
	copy(buf[off:], obfPayload)
	off += len(obfPayload)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], crc)

	return buf, nil
}

// Decode parses a wire buffer into a Frame. It never trusts the
// declared payload length before bounding it against the actual
// buffer. The CRC is validated before any field check, so a frame
// damaged anywhere in the header or payload is reported as a CRC
// failure rather than misparsed into some other rejection; only the
// payload length itself must be read first, since the CRC's position
// depends on it.
func (c *Codec) Decode(buf []byte) (*Frame, error) {
	if len(buf) < FixedHeaderSize+CRCSize {
		return nil, newMalformed("buffer length %d shorter than fixed header+crc", len(buf))
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[FixedHeaderSize-2:]))
	crcOff := FixedHeaderSize + payloadLen
	if crcOff+CRCSize > len(buf) {
		return nil, newMalformed("declared payload length %d exceeds buffer", payloadLen)
	}

	wantCRC := binary.BigEndian.Uint32(buf[crcOff:])
	if gotCRC := crc32.ChecksumIEEE(buf[:crcOff]); wantCRC != gotCRC {
		return nil, ErrCRCMismatch
	}

	off := 0
	var f Frame
	copy(f.Dst[:], buf[off:off+6])
	off += 6
	copy(f.Src[:], buf[off:off+6])
	off += 6

	etherType := binary.BigEndian.Uint16(buf[off:])
	off += 2
	if etherType != EtherType {
		return nil, newMalformed("ethertype 0x%04x does not match 0x%04x", etherType, EtherType)
	}

	f.Kind = Kind(buf[off])
	off++
	f.Flags = buf[off]
	off++
	f.Seq = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.TransferID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.FragIndex = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.FragTotal = binary.BigEndian.Uint32(buf[off:])
	off += 4
	off += 2 // payload length, already read above

	f.Payload = obfuscate(buf[off:off+payloadLen], c.key)

	if err := f.validate(c.mtu); err != nil {
		return nil, err
	}
	return &f, nil
}
