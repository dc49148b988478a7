// Package clientstate implements the Client entity (spec.md §3, §4.1):
// per-connection identity, registration stage, modes, negotiated
// capabilities, and the bounded outbound queue. The State Store is the
// sole owner of Client values; this package only exposes the operations
// a single Client supports in isolation.
package clientstate

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a stable, process-lifetime-unique identifier for a Client.
// Channels and the nickname index reference clients by Handle rather than
// by pointer, per spec.md §9's client/channel cycle resolution.
type Handle uint64

var handleCounter uint64

// NextHandle allocates a new, never-reused Handle.
func NextHandle() Handle {
	return Handle(atomic.AddUint64(&handleCounter, 1))
}

// Stage is the client's registration state machine (spec.md §3).
type Stage int

const (
	Fresh Stage = iota
	PassGiven
	NickGiven
	UserGiven
	NickAndUser
	CapNegotiating
	SaslInProgress
	Registered
	Quitting
)

func (s Stage) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case PassGiven:
		return "PassGiven"
	case NickGiven:
		return "NickGiven"
	case UserGiven:
		return "UserGiven"
	case NickAndUser:
		return "NickAndUser"
	case CapNegotiating:
		return "CapNegotiating"
	case SaslInProgress:
		return "SaslInProgress"
	case Registered:
		return "Registered"
	case Quitting:
		return "Quitting"
	default:
		return "Unknown"
	}
}

// Modes are the recognized user modes (spec.md §3): invisible, operator,
// wallops, server-notices. Unrecognized mode characters are rejected by
// the caller before reaching this struct.
type Modes struct {
	Invisible     bool
	Operator      bool
	Wallops       bool
	ServerNotices bool
}

// String renders the enabled modes as a compact "+iow" string.
func (m Modes) String() string {
	var b strings.Builder
	if m.Invisible {
		b.WriteByte('i')
	}
	if m.Operator {
		b.WriteByte('o')
	}
	if m.Wallops {
		b.WriteByte('w')
	}
	if m.ServerNotices {
		b.WriteByte('s')
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// QuitReason classifies why a session ended (spec.md §4.6, §7).
type QuitReason int

const (
	QuitNone QuitReason = iota
	QuitClient
	QuitKilled
	QuitOutboundOverflow
	QuitFrameTooLong
	QuitReadError
	QuitRegistrationTimeout
	QuitServerShutdown
)

const defaultOutboundCapacity = 4096

// Client is per-connection state. All fields are only ever mutated while
// the owning State Store's lock is held; the outbound queue is the sole
// exception, since session writer goroutines drain it concurrently.
type Client struct {
	Handle Handle

	RemoteAddr string
	TLS        bool

	Nick string
	User string
	Real string
	Host string

	Account string

	Modes Modes
	Caps  map[string]struct{}

	// Label is the `label` tag of the command currently executing, or "".
	Label string

	Stage      Stage
	QuitReason QuitReason
	QuitText   string

	// PendingPassword holds the argument to a PASS issued before
	// registration completes, for handleUser to verify; distinct from
	// QuitText so a password in transit can never end up broadcast as a
	// QUIT reason.
	PendingPassword string

	AwayMessage string
	Operator    bool

	// SASL negotiation scratch state (spec.md §4.5). SASLStage values are
	// defined by package capneg; kept as a plain int here to avoid an
	// import cycle (capneg already depends on clientstate).
	SASLStage     int
	SASLMechanism string
	SASLBuffer    strings.Builder
	SASLAttempts  int

	LastActivity time.Time
	Registered_  time.Time // time registration completed, for WHOIS idle/signon

	outbound chan string

	// CloseNotify is closed by RequestClose once, to wake a session's
	// blocked connection read when the Store has force-quit this client
	// from a different connection's goroutine (KILL, outbound overflow).
	CloseNotify chan struct{}
	closeOnce   sync.Once
}

// New constructs a fresh, unregistered Client.
func New(handle Handle, remoteAddr string, tls bool) *Client {
	return &Client{
		Handle:       handle,
		RemoteAddr:   remoteAddr,
		TLS:          tls,
		Caps:         make(map[string]struct{}),
		Stage:        Fresh,
		LastActivity: time.Now(),
		outbound:     make(chan string, defaultOutboundCapacity),
		CloseNotify:  make(chan struct{}),
	}
}

// RequestClose signals CloseNotify exactly once, safe to call from any
// goroutine and any number of times.
func (c *Client) RequestClose() {
	c.closeOnce.Do(func() { close(c.CloseNotify) })
}

// Enqueue appends a pre-serialized line to the outbound queue. It returns
// false if the queue was full, in which case the caller must transition
// the client to Quitting with QuitOutboundOverflow (spec.md §4.1).
func (c *Client) Enqueue(line string) bool {
	select {
	case c.outbound <- line:
		return true
	default:
		return false
	}
}

// Outbound exposes the receive side of the queue for the session writer.
func (c *Client) Outbound() <-chan string {
	return c.outbound
}

// CloseOutbound signals the writer goroutine that no further lines will
// be enqueued, once the session has finished draining on QUIT.
func (c *Client) CloseOutbound() {
	close(c.outbound)
}

// HasCap reports whether name was negotiated via CAP REQ/ACK.
func (c *Client) HasCap(name string) bool {
	_, ok := c.Caps[name]
	return ok
}

// Prefix formats the client as an IRC message source: nick!user@host.
func (c *Client) Prefix() string {
	return fmt.Sprintf("%s!%s@%s", c.Nick, c.User, c.Host)
}

// NicknameError is returned by ValidateNick.
type NicknameError int

const (
	NickOK NicknameError = iota
	NickEmpty
	NickTooLong
	NickMalformed
)

var nickSpecialFirst = "[]\\`_^"
var nickSpecialRest = "[]\\`_^-"

// ValidateNick checks nick against spec.md §4.1's grammar: length ≤
// nicklen, first char alphabetic or one of []\^_`, subsequent chars
// alphanumeric or one of []\^_`-.
func ValidateNick(nick string, nicklen int) NicknameError {
	if nick == "" {
		return NickEmpty
	}
	if len(nick) > nicklen {
		return NickTooLong
	}
	first := nick[0]
	if !isAlpha(first) && !strings.ContainsRune(nickSpecialFirst, rune(first)) {
		return NickMalformed
	}
	for i := 1; i < len(nick); i++ {
		ch := nick[i]
		if !isAlphaNumeric(ch) && !strings.ContainsRune(nickSpecialRest, rune(ch)) {
			return NickMalformed
		}
	}
	return NickOK
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isAlphaNumeric(b byte) bool {
	return isAlpha(b) || (b >= '0' && b <= '9')
}
