// Package reply implements the Reply Builder (spec.md §4.7): formatting
// server-origin lines with per-recipient tag filtering and
// labeled-response BATCH wrapping. Command handlers never decide which
// tags survive for a given recipient — they attach every tag the message
// could carry, and Builder strips what the recipient never negotiated
// (spec.md §9, "do not branch on capabilities inside command handlers").
package reply

import (
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"

	"github.com/presbrey/ircd/internal/clientstate"
)

// Tag names this server attaches; filtered per capability in Filter.
const (
	TagTime  = "time"
	TagMsgid = "msgid"
	TagLabel = "label"
)

// capForTag maps a tag name to the capability that must be negotiated for
// a recipient to see it.
var capForTag = map[string]string{
	TagTime:  "server-time",
	TagMsgid: "message-ids",
	TagLabel: "labeled-response",
}

// Builder formats outbound lines against a server name.
type Builder struct {
	ServerName string
}

func New(serverName string) *Builder {
	return &Builder{ServerName: serverName}
}

// Filter returns the subset of tags recipient negotiated capabilities for.
// Tags without an entry in capForTag (such as client-sent tags copied onto
// a PRIVMSG/NOTICE/TAGMSG) pass through unfiltered, matching the "compose
// filters by intersection" model in spec.md §9.
func Filter(recipient *clientstate.Client, tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		cap, known := capForTag[k]
		if known && !recipient.HasCap(cap) {
			continue
		}
		out[k] = v
	}
	return out
}

// StandardTags builds the tag set a fan-out line may carry before
// per-recipient filtering: server-time and msgid are always set, and
// Filter later drops each for recipients that did not negotiate
// server-time or message-ids.
func (b *Builder) StandardTags() map[string]string {
	tags := map[string]string{
		TagTime: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	tags[TagMsgid] = uuid.NewString()
	return tags
}

// Line formats one message line addressed to recipient, filtering tags
// for what recipient negotiated.
func (b *Builder) Line(recipient *clientstate.Client, tags map[string]string, source, command string, params ...string) string {
	filtered := Filter(recipient, tags)
	msg := ircmsg.MakeMessage(filtered, source, command, params...)
	line, err := msg.Line()
	if err != nil {
		// Fall back to an untagged line rather than silently dropping the
		// reply; malformed tag values should not happen in practice.
		msg = ircmsg.MakeMessage(nil, source, command, params...)
		line, _ = msg.Line()
	}
	return line
}

// Numeric formats a server numeric reply to recipient: `:<server> <code>
// <recipient-nick> <params...>`.
func (b *Builder) Numeric(recipient *clientstate.Client, code string, params ...string) string {
	nick := recipient.Nick
	if nick == "" {
		nick = "*"
	}
	allParams := append([]string{nick}, params...)
	msg := ircmsg.MakeMessage(nil, b.ServerName, code, allParams...)
	line, _ := msg.Line()
	return line
}

// WrapLabeled applies spec.md §4.5/§4.7's labeled-response rule to the set
// of lines generated in response to a single command from client: if
// client negotiated labeled-response and captured a label for this
// command, zero lines become a single `ACK` batch-less acknowledgement,
// one line gets the label tag attached directly, and more than one line
// is wrapped in a BATCH +<id> labeled-response ... BATCH -<id> envelope.
func (b *Builder) WrapLabeled(client *clientstate.Client, lines []string) []string {
	if client.Label == "" || !client.HasCap("labeled-response") {
		return lines
	}
	label := client.Label
	switch len(lines) {
	case 0:
		msg := ircmsg.MakeMessage(map[string]string{TagLabel: label}, b.ServerName, "ACK")
		line, _ := msg.Line()
		return []string{line}
	case 1:
		return []string{attachLabel(lines[0], label)}
	default:
		id := uuid.NewString()
		start := ircmsg.MakeMessage(map[string]string{TagLabel: label}, b.ServerName, "BATCH", "+"+id, "labeled-response")
		startLine, _ := start.Line()
		end := ircmsg.MakeMessage(nil, b.ServerName, "BATCH", "-"+id)
		endLine, _ := end.Line()
		batchedLines := make([]string, 0, len(lines))
		for _, l := range lines {
			batchedLines = append(batchedLines, attachBatch(l, id))
		}
		out := make([]string, 0, len(lines)+2)
		out = append(out, startLine)
		out = append(out, batchedLines...)
		out = append(out, endLine)
		return out
	}
}

// attachLabel/attachBatch re-parse an already-formatted line to splice in
// a tag; these lines were just built by this package so reparsing always
// succeeds.
func attachLabel(line, label string) string {
	return spliceTag(line, TagLabel, label)
}

func attachBatch(line, id string) string {
	return spliceTag(line, "batch", id)
}

func spliceTag(line, key, value string) string {
	msg, err := ircmsg.ParseLineStrict(line, false, 8191)
	if err != nil {
		return line
	}
	msg.SetTag(key, value)
	out, err := msg.Line()
	if err != nil {
		return line
	}
	return out
}
