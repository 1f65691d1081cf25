package collab

import (
	"context"
	"sync"

	"lexdraft/api/internal/metrics"
)

type sessionKey struct {
	documentID string
	userID     string
}

type hubEntry struct {
	session *Session
	stop    func()
	refs    int
	ready   chan struct{}
	err     error
	closed  bool
}

// Hub shares one live Session per (document, user) between every open
// stream of that user, such as several browser tabs.
type Hub struct {
	deps Deps
	opts []Option
	base context.Context

	mu       sync.Mutex
	sessions map[sessionKey]*hubEntry
}

func NewHub(deps Deps, opts ...Option) *Hub {
	return &Hub{
		deps:     deps,
		opts:     opts,
		base:     context.Background(),
		sessions: map[sessionKey]*hubEntry{},
	}
}

// Open returns a loaded, started session and a release func. Every open
// re-reads the store, including opens that join a shared session. The
// session stops when the last holder releases it. A failed load is returned to every
// concurrent opener and is not cached.
func (h *Hub) Open(ctx context.Context, documentID, userID string) (*Session, func(), error) {
	key := sessionKey{documentID: documentID, userID: userID}

	h.mu.Lock()
	if entry, ok := h.sessions[key]; ok {
		entry.refs++
		h.mu.Unlock()
		<-entry.ready
		if entry.err != nil {
			h.release(key, entry)
			return nil, nil, entry.err
		}
		if err := entry.session.Refresh(ctx); err != nil {
			h.release(key, entry)
			return nil, nil, err
		}
		return entry.session, h.releaser(key, entry), nil
	}
	entry := &hubEntry{refs: 1, ready: make(chan struct{})}
	h.sessions[key] = entry
	h.mu.Unlock()

	session := NewSession(documentID, userID, h.deps, h.opts...)
	if err := session.Load(ctx); err != nil {
		entry.err = err
		close(entry.ready)
		h.release(key, entry)
		return nil, nil, err
	}
	entry.session = session
	entry.stop = session.Start(h.base)
	metrics.ActiveSessions.Inc()
	close(entry.ready)

	return session, h.releaser(key, entry), nil
}

func (h *Hub) releaser(key sessionKey, entry *hubEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { h.release(key, entry) })
	}
}

func (h *Hub) release(key sessionKey, entry *hubEntry) {
	h.mu.Lock()
	entry.refs--
	last := entry.refs == 0
	if last && h.sessions[key] == entry {
		delete(h.sessions, key)
	}
	stop := last && entry.stop != nil && !entry.closed
	if stop {
		entry.closed = true
	}
	h.mu.Unlock()

	if stop {
		entry.stop()
		metrics.ActiveSessions.Dec()
	}
}

// Mutator returns the live session for the pair when one is open, so its
// local state follows the write. Otherwise it returns a detached session
// that is neither loaded nor started.
func (h *Hub) Mutator(documentID, userID string) *Session {
	h.mu.Lock()
	entry, ok := h.sessions[sessionKey{documentID: documentID, userID: userID}]
	h.mu.Unlock()
	if ok {
		select {
		case <-entry.ready:
			if entry.err == nil && entry.session != nil {
				return entry.session
			}
		default:
		}
	}
	return h.Detached(documentID, userID)
}

// Detached returns a new session for the pair that is neither loaded nor
// started and is not shared with open streams.
func (h *Hub) Detached(documentID, userID string) *Session {
	return NewSession(documentID, userID, h.deps, h.opts...)
}

// Close stops every live session regardless of outstanding holders.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.sessions))
	for key, entry := range h.sessions {
		entries = append(entries, entry)
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	for _, entry := range entries {
		<-entry.ready
		h.mu.Lock()
		stop := entry.stop != nil && !entry.closed
		entry.closed = true
		h.mu.Unlock()
		if stop {
			entry.stop()
			metrics.ActiveSessions.Dec()
		}
	}
}
