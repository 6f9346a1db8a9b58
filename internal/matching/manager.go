// Package matching owns the pairing state of the relay: the registry of live
// connections, the waiting queue, the partner links between paired
// connections and the online count.
package matching

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateSession is returned when Connect is called twice for one id.
	ErrDuplicateSession = errors.New("matching: session already connected")

	// ErrUnknownSession is returned for ids that are not connected.
	ErrUnknownSession = errors.New("matching: unknown session")
)

// NoticeKind names a pairing notification owed to a connection.
type NoticeKind int

const (
	NoticePartnerFound NoticeKind = iota + 1
	NoticeNoPartner
	NoticePartnerDisconnected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticePartnerFound:
		return "partner_found"
	case NoticeNoPartner:
		return "no_partner"
	case NoticePartnerDisconnected:
		return "partner_disconnected"
	default:
		return "unknown"
	}
}

// Notice is a notification the caller must deliver to To once the state
// change that produced it is committed.
type Notice struct {
	To   string
	Kind NoticeKind
}

// peer is the pairing state of one connection. partner is a weak reference:
// a peer never owns its partner and either side may be discarded first.
type peer struct {
	id      string
	partner *peer
}

// Manager is the single owner of all pairing state. Every mutation happens
// under mu, so a pairing, a skip and a disconnect never interleave. Methods
// return the notices to deliver instead of writing to sockets, which keeps
// network I/O outside the lock.
type Manager struct {
	mu     sync.Mutex
	peers  map[string]*peer
	queue  *Queue
	online int
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		peers: make(map[string]*peer),
		queue: NewQueue(),
	}
}

// Connect registers a new connection, increments the online count and tries
// to pair it. It returns the new online count and the pairing notices.
func (m *Manager) Connect(sessionID string) (int, []Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[sessionID]; ok {
		return m.online, nil, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	p := &peer{id: sessionID}
	m.peers[sessionID] = p
	m.online++

	return m.online, m.tryPair(p), nil
}

// Disconnect discards a connection. If it was paired, the partner loses its
// back-reference and is told; the partner is not re-queued. The id is removed
// from the waiting queue if present. Disconnecting an unknown id is a no-op
// and reports ok=false, so the online count is never decremented twice.
func (m *Manager) Disconnect(sessionID string) (online int, formerPartner string, notices []Notice, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[sessionID]
	if !ok {
		return m.online, "", nil, false
	}
	delete(m.peers, sessionID)
	m.online--

	if partner := p.partner; partner != nil {
		partner.partner = nil
		p.partner = nil
		formerPartner = partner.id
		notices = append(notices, Notice{To: partner.id, Kind: NoticePartnerDisconnected})
	}
	m.queue.Remove(sessionID)

	return m.online, formerPartner, notices, true
}

// Skip drops the current partner, if any, and re-enters pairing for the
// skipping connection only. The former partner is told and left partner-less
// and outside the waiting queue until it skips itself.
func (m *Manager) Skip(sessionID string) (formerPartner string, notices []Notice, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[sessionID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	if partner := p.partner; partner != nil {
		notices = append(notices, Notice{To: partner.id, Kind: NoticePartnerDisconnected})
		partner.partner = nil
		p.partner = nil
		formerPartner = partner.id
	}

	notices = append(notices, m.tryPair(p)...)
	return formerPartner, notices, nil
}

// tryPair pops the most recently queued connection and links it with p. When
// the pop yields p itself it goes back on the queue and p keeps waiting.
// Callers must hold mu.
func (m *Manager) tryPair(p *peer) []Notice {
	candidateID, ok := m.queue.Pop()
	if !ok {
		m.queue.Push(p.id)
		return []Notice{{To: p.id, Kind: NoticeNoPartner}}
	}

	if candidateID == p.id {
		m.queue.Push(candidateID)
		return []Notice{{To: p.id, Kind: NoticeNoPartner}}
	}

	candidate := m.peers[candidateID]
	if candidate == nil {
		// Queue entries are removed on disconnect, so this only guards
		// against a stale id; keep looking.
		return m.tryPair(p)
	}

	// p may still be waiting further down the stack (it skipped while
	// unpaired); a paired connection never stays queued.
	m.queue.Remove(p.id)

	p.partner = candidate
	candidate.partner = p

	return []Notice{
		{To: p.id, Kind: NoticePartnerFound},
		{To: candidate.id, Kind: NoticePartnerFound},
	}
}

// Partner returns the current partner of sessionID.
func (m *Manager) Partner(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[sessionID]
	if !ok || p.partner == nil {
		return "", false
	}
	return p.partner.id, true
}

// PairedWith reports whether a and b are currently paired with each other.
func (m *Manager) PairedWith(a, b string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[a]
	return ok && p.partner != nil && p.partner.id == b && p.partner.partner == p
}

// IsWaiting reports whether sessionID is in the waiting queue.
func (m *Manager) IsWaiting(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Contains(sessionID)
}

// Online returns the number of connected sessions.
func (m *Manager) Online() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Stats is a point-in-time view of the pairing state.
type Stats struct {
	Online  int
	Waiting int
	Pairs   int
}

// Stats returns the current counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	paired := 0
	for _, p := range m.peers {
		if p.partner != nil {
			paired++
		}
	}
	return Stats{Online: m.online, Waiting: m.queue.Len(), Pairs: paired / 2}
}
