// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"testing"
)

func TestPacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"REQ with body", Packet{Kind: KindReq, Handle: "000-01", Seq: 1, Body: "SERVICE sendbackup disk1\n"}},
		{"REP empty body", Packet{Kind: KindRep, Handle: "000-01", Seq: 2, Body: ""}},
		{"PREP partial body", Packet{Kind: KindPrep, Handle: "000-01", Seq: 3, Body: "size: 1024\n"}},
		{"ACK", Packet{Kind: KindAck, Handle: "000-02", Seq: 0, Body: ""}},
		{"NAK with reason", Packet{Kind: KindNak, Handle: "000-02", Seq: 1, Body: "error unauthorized\n"}},
		{"body with embedded newlines", Packet{Kind: KindRep, Handle: "abc", Seq: 7, Body: "line one\nline two\nline three"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := EncodePacket(&tt.pkt)

			got, err := DecodePacket(wire)
			if err != nil {
				t.Fatalf("DecodePacket: %v", err)
			}

			if got.Kind != tt.pkt.Kind {
				t.Errorf("kind: want %v, got %v", tt.pkt.Kind, got.Kind)
			}
			if got.Handle != tt.pkt.Handle {
				t.Errorf("handle: want %q, got %q", tt.pkt.Handle, got.Handle)
			}
			if got.Seq != tt.pkt.Seq {
				t.Errorf("seq: want %d, got %d", tt.pkt.Seq, got.Seq)
			}
			if got.Body != tt.pkt.Body {
				t.Errorf("body: want %q, got %q", tt.pkt.Body, got.Body)
			}
		})
	}
}

func TestEncodePacket_HeaderLineShape(t *testing.T) {
	wire := EncodePacket(&Packet{Kind: KindReq, Handle: "h1", Seq: 42, Body: "x"})
	const want = "Amanda 2.0 REQ HANDLE h1 SEQ 42\nx"
	if wire != want {
		t.Errorf("want %q, got %q", want, wire)
	}
}

func TestDecodePacket_UnrecognizedKind(t *testing.T) {
	_, err := DecodePacket("Amanda 2.0 BOGUS HANDLE h1 SEQ 1\nbody")
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestDecodePacket_MissingFields(t *testing.T) {
	cases := []string{
		"garbage\n",
		"Amanda 2.0 REQ HANDLE h1\n",
		"Amanda 2.0 REQ HANDLE h1 SEQ notanumber\n",
		"no newline at all",
	}
	for _, c := range cases {
		if _, err := DecodePacket(c); !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("input %q: expected ErrMalformedHeader, got %v", c, err)
		}
	}
}

func TestDecodePacket_EmptyBody(t *testing.T) {
	p, err := DecodePacket("Amanda 2.0 ACK HANDLE h9 SEQ 5\n")
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if p.Body != "" {
		t.Errorf("expected empty body, got %q", p.Body)
	}
	if p.Kind != KindAck {
		t.Errorf("expected KindAck, got %v", p.Kind)
	}
}
