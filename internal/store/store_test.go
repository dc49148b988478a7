package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/config"
)

func newTestStore() *Store {
	limits := config.Defaults().Limits
	return New("test.local", limits, nil, Metadata{Domain: "test.local"})
}

func register(t *testing.T, s *Store, nick string) *clientstate.Client {
	t.Helper()
	c := clientstate.New(clientstate.NextHandle(), "127.0.0.1:1234", false)
	s.AddUnregistered(c)
	require.NoError(t, s.ReserveNick(c.Handle, nick, s.Limits().NickLen))
	c.User = "u"
	c.Host = "h"
	c.Stage = clientstate.Registered
	return c
}

func TestNicknameUniqueness(t *testing.T) {
	s := newTestStore()
	register(t, s, "alice")
	c2 := clientstate.New(clientstate.NextHandle(), "127.0.0.1:1", false)
	s.AddUnregistered(c2)
	err := s.ReserveNick(c2.Handle, "Alice", 32)
	assert.ErrorIs(t, err, ErrNicknameInUse)
}

func TestJoinPartRoundTrip(t *testing.T) {
	s := newTestStore()
	c := register(t, s, "alice")

	ch, err := s.Join(c.Handle, "#room", "", "+nst")
	require.NoError(t, err)
	assert.True(t, ch.IsMember(c.Handle))

	_, err = s.Part(c.Handle, "#room")
	require.NoError(t, err)
	_, ok := s.Channel("#room")
	assert.False(t, ok, "channel must be garbage collected once empty")
}

func TestEmptyChannelGC(t *testing.T) {
	s := newTestStore()
	a := register(t, s, "a")
	b := register(t, s, "b")

	_, err := s.Join(a.Handle, "#room", "", "+nst")
	require.NoError(t, err)
	_, err = s.Join(b.Handle, "#room", "", "+nst")
	require.NoError(t, err)

	_, err = s.Part(a.Handle, "#room")
	require.NoError(t, err)
	_, ok := s.Channel("#room")
	assert.True(t, ok, "channel survives while b remains")

	_, err = s.Part(b.Handle, "#room")
	require.NoError(t, err)
	_, ok = s.Channel("#room")
	assert.False(t, ok)
}

func TestChannelKeyAndLimit(t *testing.T) {
	s := newTestStore()
	a := register(t, s, "a")
	ch, err := s.Join(a.Handle, "#room", "secret", "+nst")
	require.NoError(t, err)
	ch.Modes.Key = "secret"
	ch.Modes.Limit = 1

	b := register(t, s, "b")
	_, err = s.Join(b.Handle, "#room", "wrong", "+nst")
	assert.ErrorIs(t, err, ErrBadChannelKey)

	_, err = s.Join(b.Handle, "#room", "secret", "+nst")
	assert.ErrorIs(t, err, ErrChannelIsFull)
}

func TestQuitRemovesFromAllChannels(t *testing.T) {
	s := newTestStore()
	a := register(t, s, "a")
	b := register(t, s, "b")
	_, err := s.Join(a.Handle, "#x", "", "+nst")
	require.NoError(t, err)
	_, err = s.Join(b.Handle, "#x", "", "+nst")
	require.NoError(t, err)

	affected := s.Quit(a.Handle)
	require.Len(t, affected, 1)
	_, ok := s.ClientByNick("a")
	assert.False(t, ok)
	ch, ok := s.Channel("#x")
	require.True(t, ok)
	assert.False(t, ch.IsMember(a.Handle))
	assert.True(t, ch.IsMember(b.Handle))
}
