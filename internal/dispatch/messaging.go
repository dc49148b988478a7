package dispatch

import (
	"strings"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/channel"
	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/numerics"
	"github.com/presbrey/ircd/internal/store"
)

// handlePrivmsg/handleNotice/handleTagmsg implement spec.md §4.3's single
// broadcast primitive for the three user-to-user/channel message commands,
// built on the Store's RecipientsForChannel helper for resolving the
// recipient set of a channel target.
func handlePrivmsg(x *ctx) {
	sendText(x, "PRIVMSG", true)
}

func handleNotice(x *ctx) {
	sendText(x, "NOTICE", false)
}

// handleTagmsg implements the message-tags CAP's tag-only message (no
// text parameter, spec.md §4.5): it reuses the same targeting rules as
// PRIVMSG/NOTICE but never counts toward ERR_NOTEXTTOSEND, and is only
// delivered to recipients who negotiated message-tags.
func handleTagmsg(x *ctx) {
	targets := strings.Split(x.param(0), ",")
	tags := x.standardTags()
	for _, target := range targets {
		recipients, sendErr, errParams := resolveTarget(x, target)
		if sendErr != "" {
			x.numeric(sendErr, errParams...)
			continue
		}
		for _, r := range recipients {
			if r.Handle == x.c.Handle {
				continue
			}
			if !r.HasCap(capneg.MessageTags) {
				continue
			}
			x.d.deliver(r, tags, x.c.Prefix(), "TAGMSG", target)
		}
	}
}

// sendText implements PRIVMSG (wantReply true: sends away-message auto
// reply) and NOTICE (wantReply false: NOTICE never triggers an automatic
// reply, RFC 2812 §3.3.2).
func sendText(x *ctx, command string, wantReply bool) {
	targets := strings.Split(x.param(0), ",")
	text := x.param(1)
	if text == "" {
		if wantReply {
			x.numeric(numerics.ERR_NOTEXTTOSEND, "No text to send")
		}
		return
	}

	tags := x.standardTags()
	for _, target := range targets {
		recipients, sendErr, errParams := resolveTarget(x, target)
		if sendErr != "" {
			if wantReply {
				x.numeric(sendErr, errParams...)
			}
			continue
		}

		for _, r := range recipients {
			if r.Handle == x.c.Handle {
				if r.HasCap(capneg.EchoMessage) {
					x.line(tags, x.c.Prefix(), command, target, text)
				}
				continue
			}
			x.d.deliver(r, tags, x.c.Prefix(), command, target, text)
			if wantReply && r.AwayMessage != "" {
				x.numeric(numerics.RPL_AWAY, r.Nick, r.AwayMessage)
			}
		}
	}
}

// standardTags attaches server-time/msgid tags to a client-originated
// broadcast, preserving any client-sent tags the message itself carried
// (spec.md §4.5). Per-recipient filtering still happens in the Reply
// Builder, so handlers never need to branch on capabilities.
func (x *ctx) standardTags() map[string]string {
	tags := x.d.Store.Reply().StandardTags()
	for k, v := range x.tags {
		tags[k] = v
	}
	return tags
}

// resolveTarget maps a PRIVMSG/NOTICE/TAGMSG target to its recipient set,
// applying +n/+m channel-mode enforcement (spec.md §4.2) for channel
// targets. A non-empty sendErr means the caller should report it (subject
// to wantReply) and skip this target.
func resolveTarget(x *ctx, target string) (recipients []*clientstate.Client, sendErr string, errParams []string) {
	if strings.HasPrefix(target, "#") {
		ch, ok := x.d.Store.Channel(target)
		if !ok {
			return nil, numerics.ERR_NOSUCHCHANNEL, []string{target, "No such channel"}
		}
		member := ch.IsMember(x.c.Handle)
		if ch.Modes.NoExternalMsg && !member {
			return nil, numerics.ERR_CANNOTSENDTOCHAN, []string{target, "Cannot send to channel"}
		}
		if ch.Modes.Moderated {
			mode, _ := ch.MemberMode(x.c.Handle)
			if !member || (mode != channel.MemberOperator && mode != channel.MemberVoice) {
				return nil, numerics.ERR_CANNOTSENDTOCHAN, []string{target, "Cannot send to channel"}
			}
		}
		recipients = x.d.Store.RecipientsForChannel(ch, x.c, store.EchoIfNegotiated)
		return recipients, "", nil
	}

	c, ok := x.d.Store.ClientByNick(target)
	if !ok {
		return nil, numerics.ERR_NOSUCHNICK, []string{target, "No such nick/channel"}
	}
	return []*clientstate.Client{c}, "", nil
}
