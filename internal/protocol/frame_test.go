// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		channel uint32
		payload []byte
	}{
		{"data channel payload", 1, []byte("hello world")},
		{"zero-length EOF marker", 3, nil},
		{"channel zero protocol frame", 0, []byte("Amanda 2.0 REQ HANDLE h1 SEQ 1\nSERVICE noop\n")},
		{"4 KiB binary payload", 7, bytes.Repeat([]byte{0xAB}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			in := &Frame{Channel: tt.channel, Payload: tt.payload}

			if err := WriteFrame(&buf, in); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			out, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}

			if out.Channel != tt.channel {
				t.Errorf("channel: want %d, got %d", tt.channel, out.Channel)
			}
			if !bytes.Equal(out.Payload, tt.payload) {
				t.Errorf("payload: want %q, got %q", tt.payload, out.Payload)
			}
		})
	}
}

func TestFrame_HeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Frame{Channel: 0x01020304, Payload: []byte("ab")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	want := []byte{0, 0, 0, 2, 1, 2, 3, 4, 'a', 'b'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("want % x, got % x", want, buf.Bytes())
	}
}

func TestWriteFrame_Oversize(t *testing.T) {
	var buf bytes.Buffer
	f := &Frame{Channel: 1, Payload: make([]byte, MaxFramePayload+1)}

	err := WriteFrame(&buf, f)
	if !errors.Is(err, ErrFrameOversize) {
		t.Fatalf("expected ErrFrameOversize, got %v", err)
	}
}

func TestReadFrame_Oversize(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	// Length field claims more than MaxFramePayload bytes follow.
	header[0], header[1], header[2], header[3] = 0xFF, 0xFF, 0xFF, 0xFF
	buf.Write(header)

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrFrameOversize) {
		t.Fatalf("expected ErrFrameOversize, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, 0, 0, 0, 1}) // claims 5 bytes payload
	buf.Write([]byte("ab"))                   // only 2 supplied

	_, err := ReadFrame(&buf)
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestWriteEOF(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEOF(&buf, 4); err != nil {
		t.Fatalf("WriteEOF: %v", err)
	}

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Channel != 4 {
		t.Errorf("channel: want 4, got %d", f.Channel)
	}
	if len(f.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(f.Payload))
	}
}
