// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package eventloop

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLoop() *Loop {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWaitFires(t *testing.T) {
	l := testLoop()
	var fired atomic.Bool

	h, err := l.Register(KindWait, "job-done", func() { fired.Store(true) })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Wakeup("job-done")
	}()

	if err := l.Wait(h); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !fired.Load() {
		t.Error("callback did not run")
	}
}

func TestWakeup_CountsMatchingEvents(t *testing.T) {
	l := testLoop()
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		if _, err := l.Register(KindWait, "broadcast", func() { count.Add(1) }); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := l.Register(KindWait, "other", func() { count.Add(100) }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	n := l.Wakeup("broadcast")
	if n != 3 {
		t.Errorf("expected 3 fired, got %d", n)
	}

	deadline := time.Now().Add(time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		l.Run(true)
		time.Sleep(time.Millisecond)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("expected count 3, got %d", got)
	}
}

func TestRelease_StopsFutureFires(t *testing.T) {
	l := testLoop()
	var count atomic.Int32

	h, err := l.Register(KindWait, "x", func() { count.Add(1) })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	l.Release(h)

	n := l.Wakeup("x")
	if n != 0 {
		t.Errorf("expected 0 fired after release, got %d", n)
	}
}

func TestTimeout_FiresRepeatedly(t *testing.T) {
	l := testLoop()
	var count atomic.Int32
	done := make(chan struct{})

	h, err := l.Register(KindTimeout, 5*time.Millisecond, func() {
		if count.Add(1) >= 3 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer l.Release(h)

	go func() {
		for {
			select {
			case <-done:
				return
			default:
				l.Run(true)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout event did not fire 3 times in time")
	}
}

func TestRegister_RejectsWrongDataType(t *testing.T) {
	l := testLoop()

	if _, err := l.Register(KindReadFD, "not-a-waiter", func() {}); err == nil {
		t.Error("expected error registering KindReadFD with non-Waiter data")
	}
	if _, err := l.Register(KindTimeout, "nope", func() {}); err == nil {
		t.Error("expected error registering KindTimeout with non-duration data")
	}
	if _, err := l.Register(KindTimeout, -1*time.Second, func() {}); err == nil {
		t.Error("expected error registering KindTimeout with negative duration")
	}
}

func TestRun_ReentrancyIsFatal(t *testing.T) {
	l := testLoop()
	blockCh := make(chan struct{})

	h, err := l.Register(KindReadFD, Waiter(func(stop <-chan struct{}) error {
		<-blockCh
		return ErrStopped
	}), func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(false) }()

	time.Sleep(20 * time.Millisecond)
	if err := l.Run(false); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(blockCh)
	l.Release(h)
	<-runDone
}

func TestReadFD_WaiterFiresCallback(t *testing.T) {
	l := testLoop()
	ready := make(chan struct{}, 1)
	var fired atomic.Bool

	h, err := l.Register(KindReadFD, Waiter(func(stop <-chan struct{}) error {
		select {
		case <-ready:
			return nil
		case <-stop:
			return ErrStopped
		}
	}), func() { fired.Store(true) })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer l.Release(h)

	ready <- struct{}{}

	deadline := time.Now().Add(time.Second)
	for !fired.Load() && time.Now().Before(deadline) {
		l.Run(true)
		time.Sleep(time.Millisecond)
	}
	if !fired.Load() {
		t.Error("read-fd callback never fired")
	}
}
