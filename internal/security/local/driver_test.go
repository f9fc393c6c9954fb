// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package local

import (
	"testing"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

func TestDriver_ConnectIgnoresHostAndSpawnsDirectly(t *testing.T) {
	d := New("/bin/cat", 0, nil)
	defer d.Close()

	connected := make(chan *security.Handle, 1)
	d.Connect("ignored", nil, func(h *security.Handle, status security.Status) {
		if h.PeerHostname != "localhost" {
			t.Errorf("expected peer hostname 'localhost', got %q", h.PeerHostname)
		}
		connected <- h
	})

	var h *security.Handle
	select {
	case h = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	if err := d.SendPkt(h, &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "x"}); err != nil {
		t.Fatalf("SendPkt: %v", err)
	}
}

func TestDriver_StreamServer_FailsWithoutConnection(t *testing.T) {
	d := New("/bin/cat", 0, nil)
	h := security.NewHandle("local", "localhost", nil, nil)
	if _, err := d.StreamServer(h); err == nil {
		t.Error("expected StreamServer to fail before any connection is established")
	}
}
