package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is the sentinel behind every decode-time rejection:
// short buffer, EtherType mismatch, payload length lying about the
// buffer, or a FILE frame whose fragment fields are inconsistent.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrCRCMismatch means the frame's trailing CRC-32 did not match the
// checksum computed over the bytes before it. Decode checks it before
// the EtherType and field checks; the frame is dropped, never handled
// downstream.
var ErrCRCMismatch = errors.New("wire: crc mismatch")

func newMalformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
