package presence_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/presence"
	"chatrelay/presence/presencetest"
)

func TestConnectAndLookup(t *testing.T) {
	reg := presence.NewSingleSession()
	h := presencetest.NewRecorder()

	prev, replaced := reg.Connect("alice", h, "bob")
	assert.False(t, replaced)
	assert.Nil(t, prev.Handle)

	s, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", s.User)
	assert.Equal(t, "bob", s.Focus)
	assert.Equal(t, h.ID(), s.Handle.ID())
	assert.False(t, s.ConnectedAt.IsZero())

	_, ok = reg.Lookup("bob")
	assert.False(t, ok)
}

func TestSecondConnectReplacesFirst(t *testing.T) {
	reg := presence.NewSingleSession()
	first := presencetest.NewRecorder()
	second := presencetest.NewRecorder()

	reg.Connect("alice", first, "")
	prev, replaced := reg.Connect("alice", second, "bob")
	require.True(t, replaced)
	assert.Equal(t, first.ID(), prev.Handle.ID())

	s, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID(), s.Handle.ID())
	assert.Equal(t, 1, reg.Len())

	// the evicted handle no longer owns a session
	user, ok := reg.Disconnect(first)
	assert.False(t, ok)
	assert.Empty(t, user)

	s, ok = reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID(), s.Handle.ID())
}

func TestDisconnect(t *testing.T) {
	reg := presence.NewSingleSession()
	h := presencetest.NewRecorder()
	reg.Connect("alice", h, "")

	user, ok := reg.Disconnect(h)
	require.True(t, ok)
	assert.Equal(t, "alice", user)

	_, ok = reg.Lookup("alice")
	assert.False(t, ok)

	// idempotent
	_, ok = reg.Disconnect(h)
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestSetFocus(t *testing.T) {
	reg := presence.NewSingleSession()
	h := presencetest.NewRecorder()

	assert.False(t, reg.SetFocus("alice", "bob"), "no session yet")

	reg.Connect("alice", h, "")
	require.True(t, reg.SetFocus("alice", "bob"))

	s, _ := reg.Lookup("alice")
	assert.Equal(t, "bob", s.Focus)
	assert.Equal(t, h.ID(), s.Handle.ID(), "focus change keeps the handle")

	require.True(t, reg.SetFocus("alice", ""))
	s, _ = reg.Lookup("alice")
	assert.Empty(t, s.Focus)
}

func TestIsMutuallyFocused(t *testing.T) {
	reg := presence.NewSingleSession()
	reg.Connect("alice", presencetest.NewRecorder(), "bob")

	assert.False(t, reg.IsMutuallyFocused("alice", "bob"), "bob offline")

	reg.Connect("bob", presencetest.NewRecorder(), "carol")
	assert.False(t, reg.IsMutuallyFocused("alice", "bob"), "bob looks elsewhere")

	reg.SetFocus("bob", "alice")
	assert.True(t, reg.IsMutuallyFocused("alice", "bob"))
	assert.True(t, reg.IsMutuallyFocused("bob", "alice"))

	reg.Connect("self", presencetest.NewRecorder(), "self")
	assert.False(t, reg.IsMutuallyFocused("self", "self"))
}

func TestSessionsSorted(t *testing.T) {
	reg := presence.NewSingleSession()
	for _, u := range []string{"carol", "alice", "bob"} {
		reg.Connect(u, presencetest.NewRecorder(), "")
	}

	var users []string
	for _, s := range reg.Sessions() {
		users = append(users, s.User)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	reg := presence.NewSingleSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := presencetest.NewRecorder()
			user := fmt.Sprintf("user%d", i%10)
			reg.Connect(user, h, "")
			reg.SetFocus(user, "peer")
			reg.IsMutuallyFocused(user, "peer")
			reg.Disconnect(h)
		}(i)
	}
	wg.Wait()

	// every remaining session must be reachable by its own user
	for _, s := range reg.Sessions() {
		got, ok := reg.Lookup(s.User)
		require.True(t, ok)
		assert.Equal(t, s.Handle.ID(), got.Handle.ID())
	}
}
