package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/channel"
	"github.com/presbrey/ircd/internal/numerics"
	"github.com/presbrey/ircd/internal/store"
)

// handleJoin implements spec.md §4.2/§4.3's atomic JOIN reply sequence:
// JOIN to all existing members (including the joiner), then 331/332, then
// 353/366 names, as one uninterrupted sequence under the Store lock.
func handleJoin(x *ctx) {
	names := strings.Split(x.param(0), ",")
	keys := strings.Split(x.param(1), ",")

	for i, name := range names {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		joinOne(x, name, key)
	}
}

func joinOne(x *ctx, name, key string) {
	limits := x.d.Store.Limits()
	if len(name) == 0 || len(name) > limits.ChannelLen || name[0] != '#' {
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}

	ch, err := x.d.Store.Join(x.c.Handle, name, key, x.d.DefaultChanMode)
	switch err {
	case nil:
	case store.ErrBadChannelKey:
		x.numeric(numerics.ERR_BADCHANNELKEY, name, "Cannot join channel (+k)")
		return
	case store.ErrChannelIsFull:
		x.numeric(numerics.ERR_CHANNELISFULL, name, "Cannot join channel (+l)")
		return
	case store.ErrBannedFromChan:
		x.numeric(numerics.ERR_BANNEDFROMCHAN, name, "Cannot join channel (+b)")
		return
	case store.ErrInviteOnlyChan:
		x.numeric(numerics.ERR_INVITEONLYCHAN, name, "Cannot join channel (+i)")
		return
	default:
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}

	for _, member := range x.d.Store.RecipientsForChannel(ch, x.c, store.EchoAlways) {
		if member.Handle == x.c.Handle {
			x.line(nil, x.c.Prefix(), "JOIN", ch.Name)
		} else {
			x.d.deliver(member, nil, x.c.Prefix(), "JOIN", ch.Name)
		}
	}

	if ch.Topic != nil && ch.Topic.Text != "" {
		x.numeric(numerics.RPL_TOPIC, ch.Name, ch.Topic.Text)
	} else {
		x.numeric(numerics.RPL_NOTOPIC, ch.Name, "No topic is set")
	}
	sendNames(x, ch)
}

func sendNames(x *ctx, ch *channel.Channel) {
	var names []string
	for h, mode := range ch.Members {
		c, ok := x.d.Store.Client(h)
		if !ok {
			continue
		}
		names = append(names, mode.Prefix()+c.Nick)
	}
	const chunk = 10
	for i := 0; i < len(names); i += chunk {
		end := i + chunk
		if end > len(names) {
			end = len(names)
		}
		x.numeric(numerics.RPL_NAMREPLY, "=", ch.Name, strings.Join(names[i:end], " "))
	}
	x.numeric(numerics.RPL_ENDOFNAMES, ch.Name, "End of /NAMES list")
}

func handlePart(x *ctx) {
	names := strings.Split(x.param(0), ",")
	reason := x.param(1)
	for _, name := range names {
		ch, ok := x.d.Store.Channel(name)
		if !ok || !ch.IsMember(x.c.Handle) {
			x.numeric(numerics.ERR_NOTONCHANNEL, name, "You're not on that channel")
			continue
		}
		recipients := x.d.Store.RecipientsForChannel(ch, x.c, store.EchoAlways)
		_, _ = x.d.Store.Part(x.c.Handle, name)
		for _, member := range recipients {
			if member.Handle == x.c.Handle {
				if reason != "" {
					x.line(nil, x.c.Prefix(), "PART", ch.Name, reason)
				} else {
					x.line(nil, x.c.Prefix(), "PART", ch.Name)
				}
			} else if reason != "" {
				x.d.deliver(member, nil, x.c.Prefix(), "PART", ch.Name, reason)
			} else {
				x.d.deliver(member, nil, x.c.Prefix(), "PART", ch.Name)
			}
		}
	}
}

func handleTopic(x *ctx) {
	name := x.param(0)
	ch, ok := x.d.Store.Channel(name)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	if len(x.params) < 2 {
		if ch.Topic == nil || ch.Topic.Text == "" {
			x.numeric(numerics.RPL_NOTOPIC, ch.Name, "No topic is set")
		} else {
			x.numeric(numerics.RPL_TOPIC, ch.Name, ch.Topic.Text)
			x.numeric(numerics.RPL_TOPICWHOTIME, ch.Name, ch.Topic.SetByNick, strconv.FormatInt(ch.Topic.SetAt.Unix(), 10))
		}
		return
	}
	if !ch.IsMember(x.c.Handle) {
		x.numeric(numerics.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	mode, _ := ch.MemberMode(x.c.Handle)
	if ch.Modes.TopicLocked && mode != channel.MemberOperator {
		x.numeric(numerics.ERR_CHANOPRIVSNEEDED, ch.Name, "You're not channel operator")
		return
	}
	limits := x.d.Store.Limits()
	text := x.param(1)
	if len(text) > limits.TopicLen {
		text = text[:limits.TopicLen]
	}
	ch.Topic = &channel.Topic{Text: text, SetByNick: x.c.Nick, SetAt: time.Now()}
	for _, member := range x.d.Store.RecipientsForChannel(ch, x.c, store.EchoAlways) {
		x.d.deliver(member, nil, x.c.Prefix(), "TOPIC", ch.Name, text)
	}
}

func handleNames(x *ctx) {
	if x.param(0) == "" {
		for _, ch := range x.d.Store.AllChannels() {
			sendNames(x, ch)
		}
		return
	}
	for _, name := range strings.Split(x.param(0), ",") {
		ch, ok := x.d.Store.Channel(name)
		if !ok {
			x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
			continue
		}
		sendNames(x, ch)
	}
}

func handleList(x *ctx) {
	for _, ch := range x.d.Store.AllChannels() {
		if ch.Modes.Secret && !ch.IsMember(x.c.Handle) {
			continue
		}
		topic := ""
		if ch.Topic != nil {
			topic = ch.Topic.Text
		}
		x.numeric("322", ch.Name, strconv.Itoa(len(ch.Members)), topic)
	}
	x.numeric("323", "End of /LIST")
}

func handleInvite(x *ctx) {
	nick := x.param(0)
	name := x.param(1)
	ch, ok := x.d.Store.Channel(name)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	if !ch.IsMember(x.c.Handle) {
		x.numeric(numerics.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	mode, _ := ch.MemberMode(x.c.Handle)
	if ch.Modes.InviteOnly && mode != channel.MemberOperator {
		x.numeric(numerics.ERR_CHANOPRIVSNEEDED, name, "You're not channel operator")
		return
	}
	target, ok := x.d.Store.ClientByNick(nick)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHNICK, nick, "No such nick/channel")
		return
	}
	if ch.IsMember(target.Handle) {
		x.numeric(numerics.ERR_USERONCHANNEL, nick, name, "is already on channel")
		return
	}
	ch.Invite(target.Handle)
	x.numeric(numerics.RPL_INVITING, nick, name)
	x.d.deliver(target, nil, x.c.Prefix(), "INVITE", target.Nick, name)
	if ch.Modes.InviteOnly {
		for _, peer := range x.d.Store.RecipientsForChannel(ch, x.c, store.EchoNever) {
			if peer.HasCap(capneg.InviteNotify) {
				x.d.deliver(peer, nil, x.c.Prefix(), "INVITE", target.Nick, name)
			}
		}
	}
}

// handleKick enforces a simple operator-only privilege model: only +o
// members may KICK, matching spec.md §4.2's member-mode set.
func handleKick(x *ctx) {
	name := x.param(0)
	nick := x.param(1)
	reason := x.param(2)
	if reason == "" {
		reason = x.c.Nick
	}
	limits := x.d.Store.Limits()
	if len(reason) > limits.KickLen {
		reason = reason[:limits.KickLen]
	}

	ch, ok := x.d.Store.Channel(name)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	mode, onChan := ch.MemberMode(x.c.Handle)
	if !onChan {
		x.numeric(numerics.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	if mode != channel.MemberOperator {
		x.numeric(numerics.ERR_CHANOPRIVSNEEDED, name, "You're not channel operator")
		return
	}
	target, ok := x.d.Store.ClientByNick(nick)
	if !ok || !ch.IsMember(target.Handle) {
		x.numeric(numerics.ERR_USERNOTINCHANNEL, nick, name, "They aren't on that channel")
		return
	}

	recipients := x.d.Store.RecipientsForChannel(ch, x.c, store.EchoAlways)
	_, _ = x.d.Store.Kick(name, target.Handle)
	for _, member := range recipients {
		if member.Handle == x.c.Handle {
			x.line(nil, x.c.Prefix(), "KICK", ch.Name, nick, reason)
		} else {
			x.d.deliver(member, nil, x.c.Prefix(), "KICK", ch.Name, nick, reason)
		}
	}
}

func handleMode(x *ctx) {
	target := x.param(0)
	if strings.HasPrefix(target, "#") {
		handleChanMode(x, target)
		return
	}
	handleUserMode(x, target)
}

func handleUserMode(x *ctx, nick string) {
	if !strings.EqualFold(nick, x.c.Nick) {
		x.numeric(numerics.ERR_USERSDONTMATCH, "Cannot change mode for other users")
		return
	}
	if len(x.params) < 2 {
		x.numeric(numerics.RPL_UMODEIS, x.c.Modes.String())
		return
	}
	applyUserModeString(x, x.param(1))
}

func applyUserModeString(x *ctx, spec string) {
	add := true
	changed := ""
	for _, ch := range spec {
		switch ch {
		case '+':
			add = true
		case '-':
			add = false
		case 'i':
			x.c.Modes.Invisible = add
			changed += sign(add) + "i"
		case 'o':
			if !add {
				x.c.Modes.Operator = false
				x.c.Operator = false
				changed += "-o"
			}
		case 'w':
			x.c.Modes.Wallops = add
			changed += sign(add) + "w"
		case 's':
			x.c.Modes.ServerNotices = add
			changed += sign(add) + "s"
		default:
			x.numeric(numerics.ERR_UMODEUNKNOWNFLAG, "Unknown MODE flag")
		}
	}
	if changed != "" {
		x.line(nil, x.c.Prefix(), "MODE", x.c.Nick, changed)
	}
}

func sign(add bool) string {
	if add {
		return "+"
	}
	return "-"
}

func handleChanMode(x *ctx, name string) {
	ch, ok := x.d.Store.Channel(name)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	if len(x.params) < 2 {
		x.numeric("324", ch.Name, "+"+ch.Modes.String()[1:])
		return
	}

	mode, onChan := ch.MemberMode(x.c.Handle)
	needsOp := mode != channel.MemberOperator
	if needsOp && onChan {
		x.numeric(numerics.ERR_CHANOPRIVSNEEDED, ch.Name, "You're not channel operator")
		return
	} else if !onChan {
		x.numeric(numerics.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}

	changes := x.applyChanModeChanges(ch, x.params[1:])
	if changes == "" {
		return
	}
	for _, member := range x.d.Store.RecipientsForChannel(ch, x.c, store.EchoAlways) {
		x.d.deliver(member, nil, x.c.Prefix(), "MODE", ch.Name, changes)
	}
}

// takesParam reports whether mode character r consumes a parameter when
// toggled in direction add.
func takesParam(r rune, add bool) bool {
	switch r {
	case 'k', 'o', 'v':
		return true
	case 'b':
		return true
	case 'l':
		return add
	default:
		return false
	}
}

// applyChanModeChanges applies a +/- mode-character sequence left-to-right
// (spec.md §4.2), consuming parameters for k/l/b/o/v as needed, silently
// dropping unknown modes and modes missing a required parameter, and
// returns a single consolidated string containing only the changes
// actually accepted, in the order they were applied.
func (x *ctx) applyChanModeChanges(ch *channel.Channel, args []string) string {
	if len(args) == 0 {
		return ""
	}
	modeStr := args[0]
	params := args[1:]
	take := func() (string, bool) {
		if len(params) == 0 {
			return "", false
		}
		p := params[0]
		params = params[1:]
		return p, true
	}

	add := true
	var flags strings.Builder
	var acceptedParams []string
	lastSign := byte(0)

	emit := func(r rune, sign bool, param string) {
		wantSign := byte('+')
		if !sign {
			wantSign = '-'
		}
		if lastSign != wantSign {
			flags.WriteByte(wantSign)
			lastSign = wantSign
		}
		flags.WriteRune(r)
		if param != "" {
			acceptedParams = append(acceptedParams, param)
		}
	}

	for _, r := range modeStr {
		switch r {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		var param string
		if takesParam(r, add) {
			p, ok := take()
			if !ok {
				continue
			}
			param = p
		}

		switch r {
		case 'i':
			ch.Modes.InviteOnly = add
		case 'm':
			ch.Modes.Moderated = add
		case 'n':
			ch.Modes.NoExternalMsg = add
		case 's':
			ch.Modes.Secret = add
		case 't':
			ch.Modes.TopicLocked = add
		case 'k':
			if add {
				ch.Modes.Key = param
			} else {
				ch.Modes.Key = ""
			}
		case 'l':
			if add {
				n, err := strconv.Atoi(param)
				if err != nil {
					continue
				}
				ch.Modes.Limit = n
			} else {
				ch.Modes.Limit = 0
			}
		case 'b':
			if add {
				ch.AddBan(param, x.c.Nick)
			} else {
				if !ch.RemoveBan(param) {
					continue
				}
			}
		case 'o', 'v':
			target, ok := x.d.Store.ClientByNick(param)
			if !ok || !ch.IsMember(target.Handle) {
				continue
			}
			if add {
				if r == 'o' {
					ch.AddMember(target.Handle, channel.MemberOperator)
				} else if cur, _ := ch.MemberMode(target.Handle); cur != channel.MemberOperator {
					ch.AddMember(target.Handle, channel.MemberVoice)
				}
			} else {
				ch.AddMember(target.Handle, channel.MemberNone)
			}
		default:
			continue
		}

		emit(r, add, param)
	}

	if flags.Len() == 0 {
		return ""
	}
	out := flags.String()
	for _, p := range acceptedParams {
		out += " " + p
	}
	return out
}

func handleAway(x *ctx) {
	if x.param(0) == "" {
		x.c.AwayMessage = ""
		x.numeric(numerics.RPL_UNAWAY, "You are no longer marked as being away")
		for _, peer := range x.d.Store.NotifySet(x.c.Handle) {
			if peer.HasCap(capneg.AwayNotify) {
				x.d.deliver(peer, nil, x.c.Prefix(), "AWAY")
			}
		}
		return
	}
	limits := x.d.Store.Limits()
	msg := x.param(0)
	if len(msg) > limits.AwayLen {
		msg = msg[:limits.AwayLen]
	}
	x.c.AwayMessage = msg
	x.numeric(numerics.RPL_NOWAWAY, "You have been marked as being away")
	for _, peer := range x.d.Store.NotifySet(x.c.Handle) {
		if peer.HasCap(capneg.AwayNotify) {
			x.d.deliver(peer, nil, x.c.Prefix(), "AWAY", msg)
		}
	}
}

