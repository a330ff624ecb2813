// Package ratelimit throttles chat sends per user.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 512

// Limiter keeps one token bucket per user and drops buckets that have been
// idle longer than idleTTL. A nil *Limiter allows everything.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byUser map[string]*bucket
	hits   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive, which disables limiting.
func New(rps float64, burst int, idleTTL time.Duration) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byUser:  make(map[string]*bucket),
	}
}

// Allow consumes one token for user at now.
func (l *Limiter) Allow(user string, now time.Time) bool {
	if l == nil {
		return true
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byUser[user]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUser[user] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for user, b := range l.byUser {
		if b.lastSeen.Before(cutoff) {
			delete(l.byUser, user)
		}
	}
}

// Len is the number of tracked users.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byUser)
}
