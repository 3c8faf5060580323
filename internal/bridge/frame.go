// Package bridge carries a probe configuration across a privilege boundary.
//
// The unprivileged side starts an elevated copy of pipebench and talks to
// it over two pipes:
//
//	parent -> helper: [u32 little-endian length][message]
//	helper -> parent: 0x00 once every probe is attached
//	parent -> helper: 0x00 once the target is gone
//	helper -> parent: result records, then EOF
//
// The helper refuses any declared length outside [0, MaxMessage] before it
// reads or decodes a payload byte.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessage is the largest payload the helper will accept.
const MaxMessage = 4096

var (
	// ErrBadLength is returned by ReadFrame for an out-of-range length prefix.
	ErrBadLength = errors.New("bridge: frame length out of range")
	// ErrMessageTooLarge is returned when an encoded message exceeds MaxMessage.
	ErrMessageTooLarge = errors.New("bridge: message exceeds frame limit")
)

// handshakeByte is the single byte exchanged at each handshake step.
const handshakeByte byte = 0

// WriteFrame writes payload behind its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessage {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. The prefix is interpreted
// as a signed value and validated before any payload byte is consumed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	if n < 0 || n > MaxMessage {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

func writeSignal(w io.Writer) error {
	_, err := w.Write([]byte{handshakeByte})
	return err
}

func readSignal(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if b[0] != handshakeByte {
		return fmt.Errorf("bridge: unexpected handshake byte %#x", b[0])
	}
	return nil
}
