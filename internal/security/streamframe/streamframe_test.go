// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamframe

import (
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/security"
)

func TestNewServerStream_StartsAtOneAndIncrements(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	f := New(a, nil)
	h := security.NewHandle("bsdtcp", "peer", nil, f.Conn)

	s1 := f.NewServerStream(h)
	s2 := f.NewServerStream(h)

	if s1.ID() != 1 {
		t.Errorf("expected first server stream id 1, got %d", s1.ID())
	}
	if s2.ID() != 2 {
		t.Errorf("expected second server stream id 2, got %d", s2.ID())
	}
}

func TestNewClientStream_StartsAtBaseAndDecrements(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	f := New(a, nil)
	h := security.NewHandle("bsdtcp", "peer", nil, f.Conn)

	s1 := f.NewClientStream(h)
	s2 := f.NewClientStream(h)

	if s1.ID() != clientChannelBase {
		t.Errorf("expected first client stream id %d, got %d", clientChannelBase, s1.ID())
	}
	if s2.ID() != clientChannelBase-1 {
		t.Errorf("expected second client stream id %d, got %d", clientChannelBase-1, s2.ID())
	}
}

func TestServerAndClientChannelSpacesNeverCollide(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	f := New(a, nil)
	h := security.NewHandle("bsdtcp", "peer", nil, f.Conn)

	for i := 0; i < 50; i++ {
		srv := f.NewServerStream(h)
		cli := f.NewClientStream(h)
		if srv.ID() >= clientChannelBase {
			t.Fatalf("server id %d crossed into client space", srv.ID())
		}
		if cli.ID() < clientChannelBase-50 {
			t.Fatalf("client id %d decremented further than expected", cli.ID())
		}
	}
}

func TestNew_StartsReadLoopThatDeliversFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	fa := New(a, nil)
	ha := security.NewHandle("bsdtcp", "peer", nil, fa.Conn)
	fa.Conn.SetOwner(ha)

	s := fa.NewServerStream(ha)

	done := make(chan []byte, 1)
	s.Read(func(s *security.Stream, buf []byte, status security.Status) {
		done <- buf
	})

	fb := New(b, nil)
	hb := security.NewHandle("bsdtcp", "peer", nil, fb.Conn)
	cs := fb.ClientStreamWithID(hb, s.ID())
	if err := cs.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case buf := <-done:
		if string(buf) != "hello" {
			t.Errorf("expected %q, got %q", "hello", buf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}
