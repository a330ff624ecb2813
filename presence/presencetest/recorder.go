// Package presencetest provides an in-memory presence.Handle for tests.
package presencetest

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/models"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("recorder closed")

// Recorder stores every pushed event. It can be closed to simulate a stale
// connection, or told to fail after a number of successful pushes.
type Recorder struct {
	id string

	mu        sync.Mutex
	events    []models.Event
	closed    bool
	failAfter int // -1 never fails
	notify    chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{
		id:        uuid.NewString(),
		failAfter: -1,
		notify:    make(chan struct{}, 1),
	}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Push(ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.failAfter == 0 {
		return ErrClosed
	}
	if r.failAfter > 0 {
		r.failAfter--
	}
	r.events = append(r.events, ev)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close makes every later Push fail.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// FailAfter lets n more pushes succeed, then fails the rest.
func (r *Recorder) FailAfter(n int) {
	r.mu.Lock()
	r.failAfter = n
	r.mu.Unlock()
}

// Events returns a copy of everything pushed so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Messages returns the pushed chat messages in order.
func (r *Recorder) Messages() []models.MessageDelivered {
	var out []models.MessageDelivered
	for _, ev := range r.Events() {
		if m, ok := ev.(models.MessageDelivered); ok {
			out = append(out, m)
		}
	}
	return out
}

// Texts returns the text of every pushed chat message in order.
func (r *Recorder) Texts() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Text)
	}
	return out
}

// Presence returns the pushed presence events in order.
func (r *Recorder) Presence() []models.PresenceChanged {
	var out []models.PresenceChanged
	for _, ev := range r.Events() {
		if p, ok := ev.(models.PresenceChanged); ok {
			out = append(out, p)
		}
	}
	return out
}

// WaitFor blocks until at least n events arrived or the timeout passes.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline:
			return false
		}
	}
}
