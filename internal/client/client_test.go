// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// fakeDriver lets tests script the sequence of packets the "remote side"
// sends back for each SendPkt call, without any real transport.
type fakeDriver struct {
	mu       sync.Mutex
	sent     []*protocol.Packet
	onSend   func(h *security.Handle, pkt *protocol.Packet)
	connects int
	connErr  bool
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	d.mu.Lock()
	d.connects++
	d.mu.Unlock()
	h := security.NewHandle("fake", host, nil, nil)
	if d.connErr {
		h.SetError(fmt.Errorf("connect refused"))
		cb(h, security.StatusError)
		return
	}
	cb(h, security.StatusOK)
}

func (d *fakeDriver) Accept(cb security.AcceptRequestFunc) error { return nil }

func (d *fakeDriver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	d.mu.Lock()
	d.sent = append(d.sent, pkt)
	fn := d.onSend
	d.mu.Unlock()
	if fn != nil {
		fn(h, pkt)
	}
	return nil
}

func (d *fakeDriver) StreamServer(h *security.Handle) (*security.Stream, error) {
	return nil, fmt.Errorf("not supported")
}
func (d *fakeDriver) StreamClient(h *security.Handle, channelID uint32) (*security.Stream, error) {
	return nil, fmt.Errorf("not supported")
}
func (d *fakeDriver) Close() error { return nil }

func testTunables() security.Tunables {
	tun := security.DefaultTunables()
	tun.AckTimeout = 50 * time.Millisecond
	tun.ReplyTimeout = 50 * time.Millisecond
	tun.RequestTries = 2
	tun.TotalTries = 2
	tun.DropDead = time.Second
	return tun
}

func TestRequest_HappyPath_AckThenRep(t *testing.T) {
	h := security.NewHandle("fake", "peer1", nil, nil)
	d := &fakeDriver{}

	r := New(d, h, testTunables(), nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindAck, Handle: "h1"})
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindRep, Handle: "h1", Body: "all good"})
	}()

	res := r.Submit(&protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "do work"}, nil)
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v (err=%v)", res.Outcome, res.Err)
	}
	if res.Body != "all good" {
		t.Errorf("unexpected body: %q", res.Body)
	}
}

func TestRequest_NakDuringAckWaitFinishesAsNAK(t *testing.T) {
	h := security.NewHandle("fake", "peer1", nil, nil)
	d := &fakeDriver{}
	r := New(d, h, testTunables(), nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindNak, Handle: "h1", Body: "denied"})
	}()

	res := r.Submit(&protocol.Packet{Kind: protocol.KindReq, Handle: "h1"}, nil)
	if res.Outcome != OutcomeNAK {
		t.Fatalf("expected OutcomeNAK, got %v", res.Outcome)
	}
	if res.Body != "denied" {
		t.Errorf("unexpected body: %q", res.Body)
	}
}

func TestRequest_PrepDeliversPartialAndExtendsWait(t *testing.T) {
	h := security.NewHandle("fake", "peer1", nil, nil)
	d := &fakeDriver{}
	r := New(d, h, testTunables(), nil)

	var partials []string
	var mu sync.Mutex
	onPartial := func(body string) {
		mu.Lock()
		partials = append(partials, body)
		mu.Unlock()
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindAck, Handle: "h1"})
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindPrep, Handle: "h1", Body: "chunk1"})
		time.Sleep(5 * time.Millisecond)
		deliverViaHandle(h, &protocol.Packet{Kind: protocol.KindRep, Handle: "h1", Body: "chunk1chunk2"})
	}()

	res := r.Submit(&protocol.Packet{Kind: protocol.KindReq, Handle: "h1"}, onPartial)
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", res.Outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 1 || partials[0] != "chunk1" {
		t.Errorf("expected one partial 'chunk1', got %v", partials)
	}
}

func TestRequest_AckTimeoutRetriesThenAborts(t *testing.T) {
	h := security.NewHandle("fake", "peer1", nil, nil)
	d := &fakeDriver{}
	tun := testTunables()
	tun.RequestTries = 1
	r := New(d, h, tun, nil)

	res := r.Submit(&protocol.Packet{Kind: protocol.KindReq, Handle: "h1"}, nil)
	if res.Outcome != OutcomeAbort {
		t.Fatalf("expected OutcomeAbort, got %v", res.Outcome)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) < 2 {
		t.Errorf("expected at least 2 send attempts (initial + 1 retry), got %d", len(d.sent))
	}
}

func TestConnect_RetriesUpToConfiguredAttempts(t *testing.T) {
	d := &fakeDriver{connErr: true}
	tun := testTunables()
	tun.ConnectTries = 3
	tun.ConnectWait = time.Millisecond

	_, err := Connect(d, "somehost", nil, tun, nil)
	if err == nil {
		t.Fatal("expected Connect to fail after exhausting retries")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connects != 3 {
		t.Errorf("expected 3 connect attempts, got %d", d.connects)
	}
}

// deliverViaHandle simulates a driver's receive path invoking the handle's
// pending recvpkt callback, exactly as a real driver's recv loop would.
func deliverViaHandle(h *security.Handle, pkt *protocol.Packet) {
	h.Deliver(pkt, security.StatusOK)
}
