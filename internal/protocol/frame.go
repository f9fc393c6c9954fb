// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes one length-prefixed, channel-tagged frame.
// Format: [Length uint32 4B] [Channel uint32 4B] [Payload N bytes]
// Header and payload go out in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameOversize, len(f.Payload))
	}

	buf := make([]byte, 8+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[4:8], f.Channel)
	copy(buf[8:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A payload length outside [0, MaxFramePayload]
// is ErrFrameOversize and the caller must terminate the connection — it is
// not recoverable by resynchronizing on the stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	channel := binary.BigEndian.Uint32(header[4:8])

	if length > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameOversize, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}

	return &Frame{Channel: channel, Payload: payload}, nil
}

// WriteEOF writes a zero-length frame on channel, signaling end-of-stream.
func WriteEOF(w io.Writer, channel uint32) error {
	return WriteFrame(w, &Frame{Channel: channel})
}
