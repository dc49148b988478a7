// Package capneg implements the Capability / SASL Negotiator (spec.md
// §4.5): the IRCv3 CAP LS/REQ/ACK/END handshake and the AUTHENTICATE
// PLAIN state machine. CAP REQ is applied atomically: a request that NAKs
// any token commits none of them, per spec.md's scenario 4.
package capneg

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/presbrey/ircd/internal/clientstate"
)

// Recognized capability identifiers (spec.md §4.5).
const (
	AccountNotify   = "account-notify"
	AwayNotify      = "away-notify"
	Batch           = "batch"
	CapNotify       = "cap-notify"
	EchoMessage     = "echo-message"
	ExtendedJoin    = "extended-join"
	InviteNotify    = "invite-notify"
	LabeledResponse = "labeled-response"
	MessageIds      = "message-ids"
	MessageTags     = "message-tags"
	MultiPrefix     = "multi-prefix"
	SASL            = "sasl"
	ServerTime      = "server-time"
	Setname         = "setname"
	UserhostInNames = "userhost-in-names"
)

var all = []string{
	AccountNotify, AwayNotify, Batch, CapNotify, EchoMessage,
	ExtendedJoin, InviteNotify, LabeledResponse, MessageIds, MessageTags,
	MultiPrefix, SASL, ServerTime, Setname, UserhostInNames,
}

// Negotiator advertises and commits capability requests. SASLEnabled
// controls whether `sasl` (with its `=PLAIN` value) is advertised at all,
// mirroring spec.md §6: a credential store must be configured.
type Negotiator struct {
	SASLEnabled bool
}

func New(saslEnabled bool) *Negotiator {
	return &Negotiator{SASLEnabled: saslEnabled}
}

// Supported returns every capability this server advertises right now.
func (n *Negotiator) Supported() []string {
	out := make([]string, 0, len(all))
	for _, c := range all {
		if c == SASL && !n.SASLEnabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Value returns the `cap=value` suffix for a capability, or "" if it
// carries no value.
func (n *Negotiator) Value(cap string) string {
	if cap == SASL && n.SASLEnabled {
		return "PLAIN"
	}
	return ""
}

func (n *Negotiator) supports(cap string) bool {
	if cap == SASL {
		return n.SASLEnabled
	}
	for _, c := range all {
		if c == cap {
			return true
		}
	}
	return false
}

// Request processes one CAP REQ token list against client atomically: all
// tokens must name a supported capability (ignoring a leading `-` for
// removal) or none are applied, matching spec.md §4.5 and scenario 4.
func (n *Negotiator) Request(client *clientstate.Client, tokens []string) bool {
	for _, t := range tokens {
		name := strings.TrimPrefix(t, "-")
		if !n.supports(name) {
			return false
		}
	}
	for _, t := range tokens {
		if strings.HasPrefix(t, "-") {
			delete(client.Caps, strings.TrimPrefix(t, "-"))
		} else {
			client.Caps[t] = struct{}{}
		}
	}
	return true
}

// SASL negotiation (spec.md §4.5): Idle -> AwaitingPayload (on
// AUTHENTICATE <mech>, server replies "+") -> Verifying (on payload,
// lookup happens outside the Store lock) -> Idle again on success/failure.
const (
	SASLIdle = iota
	SASLAwaitingPayload
	SASLVerifying
)

// MaxSASLAttempts bounds AUTHENTICATE retries per connection, closing the
// session once exceeded rather than letting a client hammer the
// credential store indefinitely.
const MaxSASLAttempts = 3

var (
	ErrTooManyAttempts       = fmt.Errorf("capneg: too many SASL attempts")
	ErrUnsupportedMech       = fmt.Errorf("capneg: unsupported SASL mechanism")
	ErrAlreadyAuthenticating = fmt.Errorf("capneg: SASL exchange already in progress")
)

// BeginPlain starts a PLAIN exchange: validates the mechanism and attempt
// budget, and leaves the client in SASLAwaitingPayload.
func BeginPlain(c *clientstate.Client, mechanism string) error {
	if c.SASLStage != SASLIdle {
		return ErrAlreadyAuthenticating
	}
	if !strings.EqualFold(mechanism, "PLAIN") {
		return ErrUnsupportedMech
	}
	if c.SASLAttempts >= MaxSASLAttempts {
		return ErrTooManyAttempts
	}
	c.SASLAttempts++
	c.SASLMechanism = "PLAIN"
	c.SASLStage = SASLAwaitingPayload
	c.SASLBuffer.Reset()
	return nil
}

// Abort returns the client to Idle, used for `AUTHENTICATE *`.
func Abort(c *clientstate.Client) {
	c.SASLStage = SASLIdle
	c.SASLMechanism = ""
	c.SASLBuffer.Reset()
}

// PlainCredentials is the decoded authzid/authcid/password triple carried
// by an AUTHENTICATE PLAIN payload.
type PlainCredentials struct {
	AuthzID string
	AuthcID string
	Password string
}

// DecodePlain base64-decodes and splits a PLAIN payload (spec.md §4.5:
// `authzid \0 authcid \0 password`). "+" alone means an empty payload.
func DecodePlain(payload string) (PlainCredentials, error) {
	if payload == "+" {
		payload = ""
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return PlainCredentials{}, fmt.Errorf("capneg: invalid base64 payload: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return PlainCredentials{}, fmt.Errorf("capneg: malformed PLAIN payload")
	}
	return PlainCredentials{AuthzID: parts[0], AuthcID: parts[1], Password: parts[2]}, nil
}
