package moderation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type pending struct {
	sender  string
	partner string
	cancel  context.CancelFunc
}

// Tracker records in-flight classification requests so that they can be
// cancelled once the pairing they were started for is gone.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]pending
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]pending)}
}

// Begin registers a check sent by sender to partner. The returned context is
// cancelled by CancelSession for either party, by CancelAll, or by done.
// done must be called exactly once when the check finishes.
func (t *Tracker) Begin(parent context.Context, sender, partner string) (context.Context, string, func()) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	t.mu.Lock()
	t.pending[id] = pending{sender: sender, partner: partner, cancel: cancel}
	t.mu.Unlock()

	done := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		cancel()
	}
	return ctx, id, done
}

// CancelSession cancels every check sent by or addressed to sessionID and
// returns how many were cancelled.
func (t *Tracker) CancelSession(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, p := range t.pending {
		if p.sender == sessionID || p.partner == sessionID {
			p.cancel()
			delete(t.pending, id)
			n++
		}
	}
	return n
}

// CancelAll cancels every in-flight check.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		p.cancel()
		delete(t.pending, id)
	}
}

// Len returns the number of in-flight checks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
