// Package channel implements the Channel entity (spec.md §3, §4.2):
// membership, the five boolean channel modes plus the two parameterized
// ones, and the ban/except/invite mask lists. Like clientstate.Client,
// Channel values are owned exclusively by the State Store; members are
// referenced by clientstate.Handle, never by pointer (spec.md §9).
package channel

import (
	"strings"
	"time"

	"github.com/presbrey/ircd/internal/clientstate"
)

// MemberMode is the per-member mode subset a Channel can grant (spec.md §3).
type MemberMode int

const (
	MemberNone MemberMode = iota
	MemberVoice
	MemberOperator
)

// Prefix returns the NAMES/WHO display prefix for a member mode.
func (m MemberMode) Prefix() string {
	switch m {
	case MemberOperator:
		return "@"
	case MemberVoice:
		return "+"
	default:
		return ""
	}
}

// Modes are the boolean channel modes this server recognizes (spec.md §3).
type Modes struct {
	InviteOnly    bool // i
	Moderated     bool // m
	NoExternalMsg bool // n
	Secret        bool // s
	TopicLocked   bool // t
	Key           string
	Limit         int // 0 means absent
}

// DefaultModes returns the mode set newly created channels start with.
// spec.md §9 resolves the `+nst` vs `+nt` documentation ambiguity in
// favor of the stricter `+nst`.
func DefaultModes() Modes {
	return Modes{NoExternalMsg: true, Secret: true, TopicLocked: true}
}

// String renders enabled modes, matching the RPL_CHANNELMODEIS/MODE format.
func (m Modes) String() string {
	var flags strings.Builder
	var params []string
	flags.WriteByte('+')
	if m.InviteOnly {
		flags.WriteByte('i')
	}
	if m.Moderated {
		flags.WriteByte('m')
	}
	if m.NoExternalMsg {
		flags.WriteByte('n')
	}
	if m.Secret {
		flags.WriteByte('s')
	}
	if m.TopicLocked {
		flags.WriteByte('t')
	}
	if m.Key != "" {
		flags.WriteByte('k')
		params = append(params, m.Key)
	}
	if m.Limit > 0 {
		flags.WriteByte('l')
		params = append(params, itoa(m.Limit))
	}
	if flags.Len() == 1 {
		return ""
	}
	out := flags.String()
	for _, p := range params {
		out += " " + p
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// Topic is the channel's optional topic (spec.md §3).
type Topic struct {
	Text      string
	SetByNick string
	SetAt     time.Time
}

// Mask is one entry in a ban/except/invite list.
type Mask struct {
	Pattern  string
	SetBy    string
	SetAt    time.Time
}

// Channel is a named conversation. FoldedName is the case-folded lookup
// key; Name preserves the original spelling for display.
type Channel struct {
	Name       string
	FoldedName string

	Members map[clientstate.Handle]MemberMode

	Modes Modes
	Topic *Topic

	BanList    []Mask
	ExceptList []Mask
	InviteList []Mask

	// Invited is the transient per-client invite grant used to bypass +i
	// (spec.md §3's `invited` set), separate from the persistent InviteList.
	Invited map[clientstate.Handle]struct{}

	CreatedAt time.Time
}

// New constructs an empty channel with the default mode set.
func New(name, folded string) *Channel {
	return &Channel{
		Name:       name,
		FoldedName: folded,
		Members:    make(map[clientstate.Handle]MemberMode),
		Modes:      DefaultModes(),
		Invited:    make(map[clientstate.Handle]struct{}),
		CreatedAt:  time.Now(),
	}
}

func (c *Channel) IsMember(h clientstate.Handle) bool {
	_, ok := c.Members[h]
	return ok
}

func (c *Channel) MemberMode(h clientstate.Handle) (MemberMode, bool) {
	m, ok := c.Members[h]
	return m, ok
}

func (c *Channel) IsEmpty() bool {
	return len(c.Members) == 0
}

// AddMember inserts h with the given mode. Callers must already have
// checked join eligibility (invite-only, key, limit, ban) themselves;
// Channel only stores the result.
func (c *Channel) AddMember(h clientstate.Handle, mode MemberMode) {
	c.Members[h] = mode
	delete(c.Invited, h)
}

func (c *Channel) RemoveMember(h clientstate.Handle) {
	delete(c.Members, h)
}

func (c *Channel) Invite(h clientstate.Handle) {
	c.Invited[h] = struct{}{}
}

func (c *Channel) IsInvited(h clientstate.Handle) bool {
	_, ok := c.Invited[h]
	return ok
}

// MatchesMask reports whether mask (an IRC wildcard nick!user@host
// pattern, `*`/`?` glob semantics) matches the full prefix string: ban,
// exception, and invite lists compare nick!user@host in full, not just
// the hostname.
func MatchesMask(mask, prefix string) bool {
	return wildcardMatch(strings.ToLower(mask), strings.ToLower(prefix))
}

func wildcardMatch(pattern, s string) bool {
	// Classic recursive glob match over `*` and `?`.
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if wildcardMatch(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if wildcardMatch(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return wildcardMatch(pattern[1:], s[1:])
	default:
		if s == "" || s[0] != pattern[0] {
			return false
		}
		return wildcardMatch(pattern[1:], s[1:])
	}
}

// IsBanned reports whether prefix is denied entry by the ban list without
// a matching exception. Unlike the unimplemented stub this package is
// descended from, mask matching is real (see MatchesMask).
func (c *Channel) IsBanned(prefix string) bool {
	banned := false
	for _, m := range c.BanList {
		if MatchesMask(m.Pattern, prefix) {
			banned = true
			break
		}
	}
	if !banned {
		return false
	}
	for _, m := range c.ExceptList {
		if MatchesMask(m.Pattern, prefix) {
			return false
		}
	}
	return true
}

func (c *Channel) AddBan(pattern, setBy string) {
	c.BanList = append(c.BanList, Mask{Pattern: pattern, SetBy: setBy, SetAt: time.Now()})
}

func (c *Channel) RemoveBan(pattern string) bool {
	return removeMask(&c.BanList, pattern)
}

func (c *Channel) AddExcept(pattern, setBy string) {
	c.ExceptList = append(c.ExceptList, Mask{Pattern: pattern, SetBy: setBy, SetAt: time.Now()})
}

func (c *Channel) RemoveExcept(pattern string) bool {
	return removeMask(&c.ExceptList, pattern)
}

func (c *Channel) AddInviteMask(pattern, setBy string) {
	c.InviteList = append(c.InviteList, Mask{Pattern: pattern, SetBy: setBy, SetAt: time.Now()})
}

func (c *Channel) RemoveInviteMask(pattern string) bool {
	return removeMask(&c.InviteList, pattern)
}

func removeMask(list *[]Mask, pattern string) bool {
	for i, m := range *list {
		if m.Pattern == pattern {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
