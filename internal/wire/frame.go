package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame to keep a misbehaving peer from
// causing unbounded buffering. Generous enough for any structured body
// this protocol defines.
const MaxFrameLen = 16 << 20 // 16 MiB

// MaxFrameCount bounds the number of frames in one multi-frame message.
const MaxFrameCount = 1 << 16

// WriteFrame writes one length-delimited frame: a 4-byte little-endian
// length prefix followed by data.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameLen {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit %d", len(data), MaxFrameLen)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err // EOF propagates as-is so callers can detect clean disconnects
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: peer announced frame of %d bytes, exceeds limit %d", n, MaxFrameLen)
	}
	if n == 0 {
		return []byte{}, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: reading frame body: %w", err)
	}
	return data, nil
}

// WriteMessage writes a multi-frame message: a 2-byte little-endian
// frame count followed by each frame via WriteFrame. Used by the
// request/reply transport (internal/rpcsock) for multi-frame requests
// and replies (spec.md §4.2).
func WriteMessage(w io.Writer, frames [][]byte) error {
	if len(frames) > MaxFrameCount {
		return fmt.Errorf("wire: message has %d frames, exceeds limit %d", len(frames), MaxFrameCount)
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(frames)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing message header: %w", err)
	}
	for _, f := range frames {
		if err := WriteFrame(w, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads a multi-frame message written by WriteMessage.
func ReadMessage(r io.Reader) ([][]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint16(hdr[:])
	frames := make([][]byte, count)
	for i := range frames {
		f, err := ReadFrame(r)
		if err != nil {
			return nil, fmt.Errorf("wire: reading frame %d/%d: %w", i+1, count, err)
		}
		frames[i] = f
	}
	return frames, nil
}
