// Package protocol implements the wire framing (C1) and command
// codec (C2) shared by the cache host and cache client.
package protocol

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/haneytron/dache/internal/cacheerr"
)

// Control byte values. Pinned per the spec; any other byte on the
// wire is a ProtocolError.
const (
	ControlOpaque   byte = 0 // literal command or literal result text
	ControlKeys     byte = 1 // space-separated list of cache keys
	ControlValues   byte = 2 // space-separated list of base64 values; used by the host's get replies
	ControlKeyValue byte = 3 // alternating key / base64-value pairs
)

// HeaderSize is the fixed header: 4-byte little-endian length, 1
// control byte, 4-byte little-endian correlation id.
const HeaderSize = 9

// DefaultMaxFrameSize is used when a caller does not configure one.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Frame is a single message on the wire.
type Frame struct {
	Control       byte
	CorrelationID uint32
	Payload       []byte
}

// ReadFrame reads exactly one frame from r. r must be a *bufio.Reader
// (or equivalent) so that bytes belonging to the next frame, read as
// part of filling internal buffers, are preserved across calls.
func ReadFrame(r *bufio.Reader, maxFrameSize uint32) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	control := hdr[4]
	corrID := binary.LittleEndian.Uint32(hdr[5:9])

	if maxFrameSize > 0 && length > maxFrameSize {
		return nil, cacheerr.NewProtocolError("frame length %d exceeds maximum %d", length, maxFrameSize)
	}
	switch control {
	case ControlOpaque, ControlKeys, ControlValues, ControlKeyValue:
	default:
		return nil, cacheerr.NewProtocolError("unknown control byte %d", control)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{Control: control, CorrelationID: corrID, Payload: payload}, nil
}

// Encode serializes the frame to its wire representation.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	buf[4] = f.Control
	binary.LittleEndian.PutUint32(buf[5:9], f.CorrelationID)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes f to w in one call; callers serialize writes
// themselves (the host serializes per-connection, the client's writer
// goroutine serializes per host connection).
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Encode())
	return err
}
