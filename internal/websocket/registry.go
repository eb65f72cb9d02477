package websocket

import (
	"sync"
	"time"

	"tripsync-server/internal/bridge"
)

// Registry is the process-wide map from trip id to its single live
// session. Sessions are created lazily on first attach and torn down by
// their own run loop once the last peer leaves; the registry only guards
// the map. At most one replica per trip exists at any instant: every
// connection for a trip lands on the same Session.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	bridge    *bridge.Bridge
	undoLimit int
}

func NewRegistry(b *bridge.Bridge, undoLimit int) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		bridge:    b,
		undoLimit: undoLimit,
	}
}

// Attach places the client on its trip's session, creating and hydrating
// one if this is the trip's first connection. A join can lose a race
// against a session that is flushing out; it then retries against the
// fresh session the next iteration creates.
func (r *Registry) Attach(c *Client) {
	for {
		r.mu.Lock()
		s, ok := r.sessions[c.TripID]
		if !ok {
			s = newSession(c.TripID, r)
			r.sessions[c.TripID] = s
			go s.run()
		}
		// The client must know its session before Attach returns: the
		// pumps start immediately after and call leave/deliver on it,
		// possibly while the session is still hydrating.
		c.session = s
		joined := s.join(c)
		r.mu.Unlock()

		if joined {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// release ends a session whose last peer has left, unless a new join
// queued up while it was flushing.
func (r *Registry) release(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(s.members) > 0 {
		return false
	}
	delete(r.sessions, s.TripID)
	close(s.done)
	return true
}

// remove evicts a session that failed before going active.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.TripID)
	close(s.done)
	r.mu.Unlock()
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
