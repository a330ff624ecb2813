// Package presence tracks which users hold a live connection and which
// conversation partner each of them is currently focused on.
package presence

import (
	"sort"
	"sync"
	"time"

	"chatrelay/models"
)

// Handle is a live connection the relay can push events into.
type Handle interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	Push(ev models.Event) error
}

// Session is a point-in-time copy of a registry entry.
type Session struct {
	User        string
	Handle      Handle
	Focus       string // empty when the user has no conversation open
	ConnectedAt time.Time
}

// Registry is the presence map. Implementations serialize all mutations
// and return copies, never references into their internal state.
type Registry interface {
	Connect(user string, h Handle, focus string) (prev Session, replaced bool)
	SetFocus(user, partner string) bool
	Disconnect(h Handle) (user string, ok bool)
	Lookup(user string) (Session, bool)
	IsMutuallyFocused(a, b string) bool
	Pair(a, b string) (sa Session, okA bool, sb Session, okB bool)
	Sessions() []Session
	Len() int
}

// SingleSession keeps at most one session per user. A second Connect for
// the same user evicts the first: its handle is no longer reachable and a
// later Disconnect of it is a no-op.
type SingleSession struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

var _ Registry = (*SingleSession)(nil)

func NewSingleSession() *SingleSession {
	return &SingleSession{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (r *SingleSession) Connect(user string, h Handle, focus string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.sessions[user]
	r.sessions[user] = Session{
		User:        user,
		Handle:      h,
		Focus:       focus,
		ConnectedAt: r.now(),
	}
	return prev, replaced
}

func (r *SingleSession) SetFocus(user, partner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		return false
	}
	s.Focus = partner
	r.sessions[user] = s
	return true
}

func (r *SingleSession) Disconnect(h Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for user, s := range r.sessions {
		if s.Handle.ID() == h.ID() {
			delete(r.sessions, user)
			return user, true
		}
	}
	return "", false
}

func (r *SingleSession) Lookup(user string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[user]
	return s, ok
}

func (r *SingleSession) IsMutuallyFocused(a, b string) bool {
	return Mutual(r.Pair(a, b))
}

func (r *SingleSession) Pair(a, b string) (Session, bool, Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sa, okA := r.sessions[a]
	sb, okB := r.sessions[b]
	return sa, okA, sb, okB
}

// Sessions returns every session ordered by user.
func (r *SingleSession) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

func (r *SingleSession) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Mutual reports whether two sessions, taken from one Pair snapshot, name
// each other as focus.
func Mutual(sa Session, okA bool, sb Session, okB bool) bool {
	if !okA || !okB {
		return false
	}
	return sa.User != sb.User && sa.Focus == sb.User && sb.Focus == sa.User
}
