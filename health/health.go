// Package health reports whether the relay's dependencies are reachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateDisabled     = "disabled"
)

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnState reports a connection that keeps its own state, such as NATS.
type ConnState interface {
	IsConnected() bool
}

// Status is the JSON body of the health endpoint.
type Status struct {
	Store    string `json:"store"`
	Users    string `json:"users"`
	NATS     string `json:"nats"`
	Sessions int    `json:"sessions"`
}

type Checker struct {
	store    Pinger
	users    Pinger
	nats     ConnState // nil when the mirror is off
	sessions func() int
	timeout  time.Duration
}

func NewChecker(store, users Pinger, nats ConnState, sessions func() int) *Checker {
	return &Checker{
		store:    store,
		users:    users,
		nats:     nats,
		sessions: sessions,
		timeout:  2 * time.Second,
	}
}

func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Store: h.ping(ctx, h.store),
		Users: h.ping(ctx, h.users),
		NATS:  StateDisabled,
	}
	if h.nats != nil {
		if h.nats.IsConnected() {
			status.NATS = StateConnected
		} else {
			status.NATS = StateDisconnected
		}
	}
	if h.sessions != nil {
		status.Sessions = h.sessions()
	}
	return status
}

func (h *Checker) ping(ctx context.Context, p Pinger) string {
	if p == nil {
		return StateDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return StateDisconnected
	}
	return StateConnected
}

// IsHealthy is false when any enabled dependency is unreachable.
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return healthy(h.Check(ctx))
}

func healthy(s *Status) bool {
	return s.Store != StateDisconnected && s.Users != StateDisconnected && s.NATS != StateDisconnected
}

func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if healthy(status) {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
