package relay

import "sync"

// pairKey names a conversation regardless of direction.
type pairKey struct {
	lo, hi string
}

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks hands out one mutex per conversation. Entries are reference
// counted and removed once nobody holds or waits on them.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

// lock blocks until the conversation between a and b is free and returns
// the matching unlock.
func (p *pairLocks) lock(a, b string) func() {
	key := newPairKey(a, b)

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

func (p *pairLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
