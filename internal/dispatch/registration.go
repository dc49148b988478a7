package dispatch

import (
	"fmt"
	"strings"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/numerics"
	"github.com/presbrey/ircd/internal/store"
)

func handlePass(x *ctx) {
	if x.c.Stage != clientstate.Fresh && x.c.Stage != clientstate.PassGiven {
		x.numeric(numerics.ERR_ALREADYREGISTRED, "Unauthorized command (already registered)")
		return
	}
	if x.d.ServerPassword != "" && x.param(0) != x.d.ServerPassword {
		// Deferred: actual mismatch is only reported once USER arrives,
		// matching spec.md §8's boundary behavior ("cannot register").
	}
	x.c.PendingPassword = x.param(0)
	x.c.Stage = clientstate.PassGiven
}

func handleNick(x *ctx) {
	nick := x.param(0)
	if nick == "" {
		x.numeric(numerics.ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}
	limits := x.d.Store.Limits()
	err := x.d.Store.ReserveNick(x.c.Handle, nick, limits.NickLen)
	switch err {
	case nil:
		// fallthrough to post-processing below
	case store.ErrNicknameInUse:
		x.numeric(numerics.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return
	case store.ErrErroneousNickname:
		x.numeric(numerics.ERR_ERRONEUSNICKNAME, nick, "Erroneous nickname")
		return
	default:
		x.numeric(numerics.ERR_ERRONEUSNICKNAME, nick, "Erroneous nickname")
		return
	}

	wasRegistered := x.c.Stage == clientstate.Registered
	if wasRegistered {
		// Announce the rename to every client sharing a channel.
		for _, peer := range x.d.Store.NotifySet(x.c.Handle) {
			x.d.deliver(peer, nil, x.c.Prefix(), "NICK", nick)
		}
		x.line(nil, x.c.Prefix(), "NICK", nick)
		return
	}

	switch x.c.Stage {
	case clientstate.Fresh, clientstate.PassGiven:
		x.c.Stage = clientstate.NickGiven
	case clientstate.UserGiven:
		x.c.Stage = clientstate.NickAndUser
		tryCompleteRegistration(x)
	}
}

func handleUser(x *ctx) {
	if x.c.Stage == clientstate.Registered || x.c.Stage == clientstate.UserGiven || x.c.Stage == clientstate.NickAndUser {
		x.numeric(numerics.ERR_ALREADYREGISTRED, "Unauthorized command (already registered)")
		return
	}
	if x.d.ServerPassword != "" && x.c.PendingPassword != x.d.ServerPassword {
		x.numeric(numerics.ERR_PASSWDMISMATCH, "Password incorrect")
		quitClient(x.d, x.c, "Closing link: password mismatch")
		x.c.QuitReason = clientstate.QuitReadError
		return
	}
	x.c.PendingPassword = ""
	x.c.User = x.param(0)
	x.c.Real = x.param(3)
	if x.c.Host == "" {
		x.c.Host = x.c.RemoteAddr
	}

	switch x.c.Stage {
	case clientstate.Fresh, clientstate.PassGiven:
		x.c.Stage = clientstate.UserGiven
	case clientstate.NickGiven:
		x.c.Stage = clientstate.NickAndUser
		tryCompleteRegistration(x)
	}
}

func handleCap(x *ctx) {
	sub := strings.ToUpper(x.param(0))
	switch sub {
	case "LS":
		x.c.Stage = negotiatingStage(x.c.Stage)
		caps := x.d.Caps.Supported()
		parts := make([]string, 0, len(caps))
		for _, cname := range caps {
			if v := x.d.Caps.Value(cname); v != "" {
				parts = append(parts, cname+"="+v)
			} else {
				parts = append(parts, cname)
			}
		}
		x.line(nil, x.d.ServerName, "CAP", starOrNick(x.c), "LS", strings.Join(parts, " "))
	case "LIST":
		enabled := make([]string, 0, len(x.c.Caps))
		for c := range x.c.Caps {
			enabled = append(enabled, c)
		}
		x.line(nil, x.d.ServerName, "CAP", starOrNick(x.c), "LIST", strings.Join(enabled, " "))
	case "REQ":
		tokens := strings.Fields(x.param(1))
		if x.d.Caps.Request(x.c, tokens) {
			x.line(nil, x.d.ServerName, "CAP", starOrNick(x.c), "ACK", strings.Join(tokens, " "))
		} else {
			x.line(nil, x.d.ServerName, "CAP", starOrNick(x.c), "NAK", strings.Join(tokens, " "))
		}
	case "END":
		if x.c.Stage == clientstate.CapNegotiating {
			x.c.Stage = clientstate.Fresh
			reconverge(x)
		}
		tryCompleteRegistration(x)
	default:
		x.numeric(numerics.ERR_UNKNOWNCOMMAND, "CAP", "Unknown CAP subcommand")
	}
}

// negotiatingStage marks that CAP negotiation has begun without losing
// progress already made toward NICK/USER.
func negotiatingStage(s clientstate.Stage) clientstate.Stage {
	if s == clientstate.Registered {
		return s
	}
	return clientstate.CapNegotiating
}

// reconverge restores the registration stage CAP END interrupted, inferred
// from whether nick/user have already been supplied.
func reconverge(x *ctx) {
	switch {
	case x.c.Nick != "" && x.c.User != "":
		x.c.Stage = clientstate.NickAndUser
	case x.c.Nick != "":
		x.c.Stage = clientstate.NickGiven
	case x.c.User != "":
		x.c.Stage = clientstate.UserGiven
	default:
		x.c.Stage = clientstate.Fresh
	}
}

func starOrNick(c *clientstate.Client) string {
	if c.Nick == "" {
		return "*"
	}
	return c.Nick
}

func handlePing(x *ctx) {
	x.line(nil, x.d.ServerName, "PONG", x.d.ServerName, x.param(0))
}

func handlePong(x *ctx) {
	// Activity tracking happens in the session loop on every successful
	// read; PONG itself needs no reply.
}

func handleSetname(x *ctx) {
	x.c.Real = x.param(0)
	for _, peer := range x.d.Store.NotifySet(x.c.Handle) {
		if peer.HasCap(capneg.Setname) {
			x.d.deliver(peer, nil, x.c.Prefix(), "SETNAME", x.c.Real)
		}
	}
	if x.c.HasCap(capneg.Setname) {
		x.line(nil, x.c.Prefix(), "SETNAME", x.c.Real)
	}
}

func handleQuit(x *ctx) {
	reason := "Client Quit"
	if x.param(0) != "" {
		reason = x.param(0)
	}
	quitClient(x.d, x.c, reason)
}

// quitClient removes c from the store, announcing QUIT to everyone who
// shared a channel with it (spec.md §4.6). Caller must hold the lock.
func quitClient(d *Dispatcher, c *clientstate.Client, reason string) {
	notify := d.Store.NotifySet(c.Handle)
	d.Store.Quit(c.Handle)
	if c.Nick != "" {
		d.Store.RecordWhowas(store.WhowasEntry{Nick: c.Nick, User: c.User, Host: c.Host, Real: c.Real})
	}
	for _, peer := range notify {
		d.deliver(peer, nil, c.Prefix(), "QUIT", reason)
	}
	c.Stage = clientstate.Quitting
	c.QuitText = reason
	c.RequestClose()
}

// tryCompleteRegistration sends 001-004 and the MOTD once NICK, USER, and
// any in-progress CAP/SASL negotiation have all concluded.
func tryCompleteRegistration(x *ctx) {
	if x.c.Stage != clientstate.NickAndUser {
		return
	}
	if x.c.SASLStage != capneg.SASLIdle {
		return
	}
	x.c.Stage = clientstate.Registered
	meta := x.d.Store.Metadata()

	x.numeric(numerics.RPL_WELCOME, fmt.Sprintf("Welcome to the %s Network, %s", x.d.Network, x.c.Prefix()))
	x.numeric(numerics.RPL_YOURHOST, fmt.Sprintf("Your host is %s, running version %s", x.d.ServerName, x.d.Version))
	x.numeric(numerics.RPL_CREATED, fmt.Sprintf("This server was created %s", meta.Created.Format("2006-01-02")))
	x.numeric(numerics.RPL_MYINFO, x.d.ServerName, x.d.Version, "iosw", "ikmnstl")

	sendMotd(x)
}

func sendMotd(x *ctx) {
	meta := x.d.Store.Metadata()
	if len(meta.MOTD) == 0 {
		x.numeric(numerics.ERR_NOMOTD, "MOTD File is missing")
		return
	}
	x.numeric(numerics.RPL_MOTDSTART, fmt.Sprintf("- %s Message of the Day -", x.d.ServerName))
	for _, line := range meta.MOTD {
		x.numeric(numerics.RPL_MOTD, "- "+line)
	}
	x.numeric(numerics.RPL_ENDOFMOTD, "End of /MOTD command")
}

func handleMotd(x *ctx) {
	sendMotd(x)
}
