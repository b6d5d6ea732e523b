package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/beedrive/pkg/types"
)

// replayGuard admits each handshake nonce once. Entries are kept until the
// handshake time leaves the window, after which the time check rejects it.
type replayGuard struct {
	window time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	nextPrune time.Time
}

func newReplayGuard(window time.Duration) *replayGuard {
	return &replayGuard{window: window, seen: make(map[string]time.Time)}
}

func (g *replayGuard) admit(hs types.Handshake, now time.Time) error {
	if hs.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrReplay)
	}
	issued := time.Unix(hs.Time, 0)
	if issued.Before(now.Add(-g.window)) || issued.After(now.Add(g.window)) {
		return fmt.Errorf("%w: handshake time %s outside window", ErrReplay, issued.UTC().Format(time.RFC3339))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.After(g.nextPrune) {
		for key, expiry := range g.seen {
			if now.After(expiry) {
				delete(g.seen, key)
			}
		}
		g.nextPrune = now.Add(g.window)
	}

	key := hs.Card.UUID + ":" + hs.Nonce
	if _, ok := g.seen[key]; ok {
		return fmt.Errorf("%w: nonce reused", ErrReplay)
	}
	g.seen[key] = issued.Add(g.window)
	return nil
}

func (g *replayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
