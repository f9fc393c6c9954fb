// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dispatcher

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

type fakeDriver struct {
	mu   sync.Mutex
	sent []*protocol.Packet
}

func (d *fakeDriver) Name() string { return "fake" }
func (d *fakeDriver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
}
func (d *fakeDriver) Accept(cb security.AcceptRequestFunc) error { return nil }
func (d *fakeDriver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	d.mu.Lock()
	d.sent = append(d.sent, pkt)
	d.mu.Unlock()
	return nil
}
func (d *fakeDriver) StreamServer(h *security.Handle) (*security.Stream, error) {
	return security.NewStream(h, 1), nil
}
func (d *fakeDriver) StreamClient(h *security.Handle, channelID uint32) (*security.Stream, error) {
	return security.NewStream(h, channelID), nil
}
func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) lastSent() *protocol.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return nil
	}
	return d.sent[len(d.sent)-1]
}

func testConfig(t *testing.T, allowed map[string]string) Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/.amandahosts", []byte("peerhost amanda amdump\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tun := security.DefaultTunables()
	tun.AckTimeout = 50 * time.Millisecond
	tun.ReplyTimeout = 200 * time.Millisecond
	tun.AckRetryLimit = 1
	tun.DataFDCount = 2
	return Config{
		AllowedServices: allowed,
		AmandaHostsHome: dir,
		ExpectedUID:     os.Getuid(),
		LocalUser:       "amanda",
		Tunables:        tun,
	}
}

func TestDispatcher_UnallowedServiceSendsNak(t *testing.T) {
	d := &fakeDriver{}
	disp := New(d, testConfig(t, map[string]string{"noop": "/bin/true"}), nil)

	h := security.NewHandle("fake", "peerhost", nil, nil)
	pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "SECURITY USER amanda\nSERVICE sendbackup\n"}
	disp.onRequest(h, pkt)

	sent := d.lastSent()
	if sent == nil || sent.Kind != protocol.KindNak {
		t.Fatalf("expected a NAK, got %+v", sent)
	}
}

func TestDispatcher_UnauthorizedPeerSendsNak(t *testing.T) {
	d := &fakeDriver{}
	disp := New(d, testConfig(t, map[string]string{"noop": "/bin/true"}), nil)

	h := security.NewHandle("fake", "some-other-host", nil, nil)
	pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "SECURITY USER amanda\nSERVICE noop\n"}
	disp.onRequest(h, pkt)

	sent := d.lastSent()
	if sent == nil || sent.Kind != protocol.KindNak {
		t.Fatalf("expected a NAK for unauthorized peer, got %+v", sent)
	}
}

func TestDispatcher_MalformedRequestSendsNak(t *testing.T) {
	d := &fakeDriver{}
	disp := New(d, testConfig(t, map[string]string{"noop": "/bin/true"}), nil)

	h := security.NewHandle("fake", "peerhost", nil, nil)
	pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "GARBAGE\n"}
	disp.onRequest(h, pkt)

	sent := d.lastSent()
	if sent == nil || sent.Kind != protocol.KindNak {
		t.Fatalf("expected a NAK for malformed body, got %+v", sent)
	}
}

func TestDispatcher_AllowedServiceRunsToCompletion(t *testing.T) {
	d := &fakeDriver{}
	disp := New(d, testConfig(t, map[string]string{"noop": "/bin/echo"}), nil)

	h := security.NewHandle("fake", "peerhost", nil, nil)
	pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "SECURITY USER amanda\nSERVICE noop\n"}
	disp.onRequest(h, pkt)

	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		n := len(d.sent)
		d.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ACK+REP")
		case <-time.After(5 * time.Millisecond):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent[0].Kind != protocol.KindAck {
		t.Errorf("expected first packet to be ACK, got %v", d.sent[0].Kind)
	}
	if d.sent[1].Kind != protocol.KindRep {
		t.Errorf("expected second packet to be REP, got %v", d.sent[1].Kind)
	}
}

func TestActiveService_TranslateConnectLine(t *testing.T) {
	d := &fakeDriver{}
	h := security.NewHandle("fake", "peerhost", nil, nil)
	svc := &ActiveService{
		d:       New(d, testConfig(t, nil), nil),
		h:       h,
		logger:  nil,
		streams: make(map[int]*security.Stream),
	}
	svc.logger = svc.d.logger

	out := svc.translateConnectLine("CONNECT DATA 0 MESG 1\n")
	for _, want := range []string{"CONNECT", "DATA", "MESG"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected translated line to contain %q, got %q", want, out)
		}
	}
	if len(svc.streams) != 2 {
		t.Errorf("expected 2 streams allocated, got %d", len(svc.streams))
	}
}
