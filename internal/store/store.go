// Package store implements the State Store (spec.md §4.3, §5): the single
// authority for cross-entity invariants, guarded by one coarse lock held
// for the duration of handling one parsed message. No suspension point
// (SASL lookup, MOTD read, disk I/O) may occur while the lock is held;
// callers release it first (spec.md §5).
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/presbrey/ircd/internal/casefold"
	"github.com/presbrey/ircd/internal/channel"
	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/reply"
)

// Metadata is the server-wide identity the MOTD/ADMIN/VERSION/004 replies
// draw from (spec.md §3's "server metadata").
type Metadata struct {
	Domain      string
	OrgName     string
	OrgLocation string
	OrgMail     string
	MOTD        []string
	Created     time.Time
}

// EchoPolicy controls whether broadcast includes the sender in the
// recipient set for a channel target (spec.md §4.3).
type EchoPolicy int

const (
	EchoIfNegotiated EchoPolicy = iota
	EchoNever
	EchoAlways
)

// Store is the process-wide mapping of nicknames/channels to entities.
// mu is the single exclusive lock spec.md §5 mandates; every command,
// read-only ones such as WHO/LIST/NAMES included, runs under Lock. RLock
// is only taken by the session loop to read a client's registration stage
// between commands.
type Store struct {
	mu sync.RWMutex

	nicks    map[string]clientstate.Handle // folded nick -> handle
	clients  map[clientstate.Handle]*clientstate.Client
	channels map[string]*channel.Channel // folded name -> channel

	limits   config.Limits
	opers    []config.Oper
	metadata Metadata

	whowas []WhowasEntry

	reply *reply.Builder
}

// WhowasEntry is a historical snapshot of a client retained after QUIT,
// for the WHOWAS command (spec.md §4.4).
type WhowasEntry struct {
	Nick string
	User string
	Host string
	Real string
	When time.Time
}

const maxWhowasEntries = 100

// RecordWhowas appends a departure snapshot, trimming the oldest entries
// past maxWhowasEntries. Caller must hold the lock.
func (s *Store) RecordWhowas(e WhowasEntry) {
	s.whowas = append(s.whowas, e)
	if len(s.whowas) > maxWhowasEntries {
		s.whowas = s.whowas[len(s.whowas)-maxWhowasEntries:]
	}
}

// Whowas returns the most recent entries for nick, newest first.
func (s *Store) Whowas(nick string) []WhowasEntry {
	folded := casefold.Fold(nick)
	var out []WhowasEntry
	for i := len(s.whowas) - 1; i >= 0; i-- {
		if casefold.Fold(s.whowas[i].Nick) == folded {
			out = append(out, s.whowas[i])
		}
	}
	return out
}

func New(serverName string, limits config.Limits, opers []config.Oper, meta Metadata) *Store {
	return &Store{
		nicks:    make(map[string]clientstate.Handle),
		clients:  make(map[clientstate.Handle]*clientstate.Client),
		channels: make(map[string]*channel.Channel),
		limits:   limits,
		opers:    opers,
		metadata: meta,
		reply:    reply.New(serverName),
	}
}

// Reply exposes the Reply Builder bound to this store's server name, used
// by the dispatcher while the lock is held.
func (s *Store) Reply() *reply.Builder { return s.reply }

// SwapLimitsAndMeta atomically replaces the limits/opers/metadata held by
// REHASH (spec.md §9). Active sessions observe it from the next command.
// Caller must hold the lock.
func (s *Store) SwapLimitsAndMeta(limits config.Limits, opers []config.Oper, meta Metadata) {
	s.limits = limits
	s.opers = opers
	s.metadata = meta
}

// Limits, Opers and Metadata read the current snapshot. Caller must hold
// the lock (read or write).
func (s *Store) Limits() config.Limits {
	return s.limits
}

func (s *Store) Opers() []config.Oper {
	return append([]config.Oper(nil), s.opers...)
}

func (s *Store) Metadata() Metadata {
	return s.metadata
}

// Lock/Unlock expose the coarse lock directly to the dispatcher, which
// must hold it for the entirety of one command's handling (spec.md §5).
func (s *Store) Lock()    { s.mu.Lock() }
func (s *Store) Unlock()  { s.mu.Unlock() }
func (s *Store) RLock()   { s.mu.RLock() }
func (s *Store) RUnlock() { s.mu.RUnlock() }

// AddUnregistered inserts a freshly accepted client, not yet in the
// nickname index (spec.md §3's invariant: only Registered or a NickGiven
// reservation appears there). Caller must hold the lock.
func (s *Store) AddUnregistered(c *clientstate.Client) {
	s.clients[c.Handle] = c
}

// ReserveNick attempts to claim nick for handle during registration
// (NickGiven) or to rename an already-Registered client. It is the sole
// place the nickname index is mutated, satisfying spec.md §4.1's atomic
// swap requirement. Caller must hold the lock.
func (s *Store) ReserveNick(handle clientstate.Handle, nick string, nicklen int) error {
	if verr := clientstate.ValidateNick(nick, nicklen); verr != clientstate.NickOK {
		return ErrErroneousNickname
	}
	folded := casefold.Fold(nick)
	if existing, ok := s.nicks[folded]; ok && existing != handle {
		return ErrNicknameInUse
	}
	c, ok := s.clients[handle]
	if !ok {
		return fmt.Errorf("store: unknown handle %d", handle)
	}
	if c.Nick != "" {
		delete(s.nicks, casefold.Fold(c.Nick))
	}
	s.nicks[folded] = handle
	c.Nick = nick
	return nil
}

var (
	ErrNicknameInUse     = fmt.Errorf("store: nickname in use")
	ErrErroneousNickname = fmt.Errorf("store: erroneous nickname")
)

// Client looks up a client by handle. Caller must hold the lock (read or write).
func (s *Store) Client(h clientstate.Handle) (*clientstate.Client, bool) {
	c, ok := s.clients[h]
	return c, ok
}

// ClientByNick looks up a registered client by nickname, case-folded.
func (s *Store) ClientByNick(nick string) (*clientstate.Client, bool) {
	h, ok := s.nicks[casefold.Fold(nick)]
	if !ok {
		return nil, false
	}
	c, ok := s.clients[h]
	return c, ok
}

// AllClients returns a snapshot slice of every known client.
func (s *Store) AllClients() []*clientstate.Client {
	out := make([]*clientstate.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Channel looks up a channel by name, case-folded.
func (s *Store) Channel(name string) (*channel.Channel, bool) {
	ch, ok := s.channels[casefold.Fold(name)]
	return ch, ok
}

// AllChannels returns a snapshot slice of every channel.
func (s *Store) AllChannels() []*channel.Channel {
	out := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelsOf returns the channels handle currently belongs to, for WHOIS
// (spec.md §4.4) and other per-client introspection.
func (s *Store) ChannelsOf(h clientstate.Handle) []*channel.Channel {
	return s.channelsOf(h)
}

// channelsOf computes which channels a handle currently belongs to, by
// scanning — membership is recorded only on the Channel side (spec.md §9:
// "channels reference their members"), so this is the inverse lookup used
// by quit/disconnect to notify every shared channel.
func (s *Store) channelsOf(h clientstate.Handle) []*channel.Channel {
	var out []*channel.Channel
	for _, ch := range s.channels {
		if ch.IsMember(h) {
			out = append(out, ch)
		}
	}
	return out
}

// GetOrCreateChannel returns the channel for name, creating it with the
// default mode string if absent. Caller must hold the lock.
func (s *Store) GetOrCreateChannel(name, defaultModeSpec string) (*channel.Channel, bool) {
	folded := casefold.Fold(name)
	if ch, ok := s.channels[folded]; ok {
		return ch, false
	}
	ch := channel.New(name, folded)
	ch.Modes = applyDefaultModeSpec(defaultModeSpec)
	s.channels[folded] = ch
	return ch, true
}

func applyDefaultModeSpec(spec string) channel.Modes {
	m := channel.Modes{}
	for _, c := range spec {
		switch c {
		case 'i':
			m.InviteOnly = true
		case 'm':
			m.Moderated = true
		case 'n':
			m.NoExternalMsg = true
		case 's':
			m.Secret = true
		case 't':
			m.TopicLocked = true
		}
	}
	return m
}

// Join adds client to channel, creating it if needed; the first joiner
// becomes a channel operator (spec.md §4.2/§9 default behavior). Caller
// must hold the lock.
func (s *Store) Join(handle clientstate.Handle, chanName, key, defaultModeSpec string) (*channel.Channel, error) {
	c, ok := s.clients[handle]
	if !ok || c.Stage != clientstate.Registered {
		return nil, fmt.Errorf("store: join requires a registered client")
	}
	ch, created := s.GetOrCreateChannel(chanName, defaultModeSpec)
	if !created {
		if ch.IsMember(handle) {
			return ch, nil
		}
		if ch.Modes.Key != "" && ch.Modes.Key != key {
			return ch, ErrBadChannelKey
		}
		if ch.Modes.Limit > 0 && len(ch.Members) >= ch.Modes.Limit {
			return ch, ErrChannelIsFull
		}
		if ch.IsBanned(c.Prefix()) {
			return ch, ErrBannedFromChan
		}
		if ch.Modes.InviteOnly && !ch.IsInvited(handle) && !inviteListAllows(ch, c.Prefix()) {
			return ch, ErrInviteOnlyChan
		}
	}
	mode := channel.MemberNone
	if created {
		mode = channel.MemberOperator
	}
	ch.AddMember(handle, mode)
	return ch, nil
}

func inviteListAllows(ch *channel.Channel, prefix string) bool {
	for _, m := range ch.InviteList {
		if channel.MatchesMask(m.Pattern, prefix) {
			return true
		}
	}
	return false
}

var (
	ErrBadChannelKey  = fmt.Errorf("store: bad channel key")
	ErrChannelIsFull  = fmt.Errorf("store: channel is full")
	ErrBannedFromChan = fmt.Errorf("store: banned from channel")
	ErrInviteOnlyChan = fmt.Errorf("store: invite-only channel")
	ErrNotOnChannel   = fmt.Errorf("store: not on channel")
)

// Part removes client from channel, deleting the channel if it becomes
// empty (spec.md §3's empty-channel garbage collection invariant).
func (s *Store) Part(handle clientstate.Handle, chanName string) (*channel.Channel, error) {
	ch, ok := s.Channel(chanName)
	if !ok || !ch.IsMember(handle) {
		return nil, ErrNotOnChannel
	}
	ch.RemoveMember(handle)
	s.gcChannel(ch)
	return ch, nil
}

// Kick is Part on behalf of an operator targeting someone else.
func (s *Store) Kick(chanName string, target clientstate.Handle) (*channel.Channel, error) {
	ch, ok := s.Channel(chanName)
	if !ok || !ch.IsMember(target) {
		return nil, ErrNotOnChannel
	}
	ch.RemoveMember(target)
	s.gcChannel(ch)
	return ch, nil
}

func (s *Store) gcChannel(ch *channel.Channel) {
	if ch.IsEmpty() {
		delete(s.channels, ch.FoldedName)
	}
}

// Quit removes a client from every channel it belongs to and from the
// nickname index and the client table, returning the channels it had been
// a member of so the caller can notify their members.
func (s *Store) Quit(handle clientstate.Handle) []*channel.Channel {
	affected := s.channelsOf(handle)
	for _, ch := range affected {
		ch.RemoveMember(handle)
		s.gcChannel(ch)
	}
	if c, ok := s.clients[handle]; ok && c.Nick != "" {
		delete(s.nicks, casefold.Fold(c.Nick))
	}
	delete(s.clients, handle)
	return affected
}

// BroadcastTarget wraps one resolved recipient. Nothing in this package
// returns it: channel recipient sets come from RecipientsForChannel as a
// plain slice of clients, which the dispatcher passes through the Reply
// Builder and into each recipient's outbound queue.
type BroadcastTarget struct {
	Client *clientstate.Client
}

// RecipientsForChannel computes the recipient set for a channel-targeted
// broadcast (spec.md §4.3): every member, with the sender included per
// policy — always (EchoAlways), never (EchoNever), or only if the sender
// negotiated echo-message (EchoIfNegotiated).
func (s *Store) RecipientsForChannel(ch *channel.Channel, sender *clientstate.Client, policy EchoPolicy) []*clientstate.Client {
	var out []*clientstate.Client
	for h := range ch.Members {
		if h == sender.Handle {
			include := policy == EchoAlways || (policy == EchoIfNegotiated && sender.HasCap("echo-message"))
			if !include {
				continue
			}
		}
		if c, ok := s.clients[h]; ok {
			out = append(out, c)
		}
	}
	return out
}

// NotifySet computes every other registered client sharing at least one
// channel with handle, used for QUIT/NICK broadcast (spec.md §4.6).
func (s *Store) NotifySet(handle clientstate.Handle) []*clientstate.Client {
	seen := make(map[clientstate.Handle]struct{})
	var out []*clientstate.Client
	for _, ch := range s.channelsOf(handle) {
		for h := range ch.Members {
			if h == handle {
				continue
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			if c, ok := s.clients[h]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}
