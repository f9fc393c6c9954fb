// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package bsdudp

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxBurstDatagrams bounds how many datagrams a single peer may send in
// one burst before the limiter starts making it wait.
const maxBurstDatagrams = 20

// peerLimiter guards against REQ/retry floods from a single peer by
// pacing how often its datagrams are accepted into the dispatch path
// (spec §2 domain-stack wiring: golang.org/x/time/rate for per-peer send
// pacing, adapted from the throttle pattern used elsewhere in this
// codebase for byte-rate pacing rather than datagram-rate pacing).
type peerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
}

// newPeerLimiter builds a limiter admitting up to ratePerSec datagrams per
// second per distinct peer address. ratePerSec <= 0 disables limiting.
func newPeerLimiter(ratePerSec float64) *peerLimiter {
	return &peerLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(ratePerSec),
	}
}

// Allow reports whether a datagram from peerAddr may proceed now.
// Disabled limiters (perSec <= 0) always allow.
func (p *peerLimiter) Allow(peerAddr string) bool {
	if p.perSec <= 0 {
		return true
	}

	p.mu.Lock()
	l, ok := p.limiters[peerAddr]
	if !ok {
		l = rate.NewLimiter(p.perSec, maxBurstDatagrams)
		p.limiters[peerAddr] = l
	}
	p.mu.Unlock()

	return l.Allow()
}

// Wait blocks until a token for peerAddr is available or ctx is done.
func (p *peerLimiter) Wait(ctx context.Context, peerAddr string) error {
	if p.perSec <= 0 {
		return nil
	}

	p.mu.Lock()
	l, ok := p.limiters[peerAddr]
	if !ok {
		l = rate.NewLimiter(p.perSec, maxBurstDatagrams)
		p.limiters[peerAddr] = l
	}
	p.mu.Unlock()

	return l.Wait(ctx)
}
