package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/numerics"
)

// handleWho implements a simplified WHO (spec.md §4.4): a channel mask
// lists its members, anything else is matched against nicknames. Server-
// mask wildcard matching is out of scope (Non-goal: no S2S, so there is
// only ever one server).
func handleWho(x *ctx) {
	mask := x.param(0)
	var targets []string
	if strings.HasPrefix(mask, "#") {
		if ch, ok := x.d.Store.Channel(mask); ok {
			for h := range ch.Members {
				if c, ok := x.d.Store.Client(h); ok {
					targets = append(targets, c.Nick)
				}
			}
		}
	} else {
		for _, c := range x.d.Store.AllClients() {
			if mask == "" || strings.EqualFold(c.Nick, mask) {
				if c.Nick != "" {
					targets = append(targets, c.Nick)
				}
			}
		}
	}

	for _, nick := range targets {
		c, ok := x.d.Store.ClientByNick(nick)
		if !ok {
			continue
		}
		flags := "H"
		if c.Operator {
			flags += "*"
		}
		channelName := mask
		if !strings.HasPrefix(mask, "#") {
			if chs := x.d.Store.ChannelsOf(c.Handle); len(chs) > 0 {
				channelName = chs[0].Name
			} else {
				channelName = "*"
			}
		}
		x.numeric(numerics.RPL_WHOREPLY, channelName, c.User, c.Host, x.d.ServerName, c.Nick, flags, "0 "+c.Real)
	}
	x.numeric(numerics.RPL_ENDOFWHO, mask, "End of /WHO list")
}

// handleWhois implements WHOIS (spec.md §4.4 + scenario 5: RPL_WHOISACCOUNT
// for a SASL-authenticated target).
func handleWhois(x *ctx) {
	nick := x.param(0)
	target, ok := x.d.Store.ClientByNick(nick)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHNICK, nick, "No such nick/channel")
		x.numeric(numerics.RPL_ENDOFWHOIS, nick, "End of /WHOIS list")
		return
	}

	x.numeric(numerics.RPL_WHOISUSER, target.Nick, target.User, target.Host, "*", target.Real)
	x.numeric(numerics.RPL_WHOISSERVER, target.Nick, x.d.ServerName, x.d.Network)
	if target.Operator {
		x.numeric(numerics.RPL_WHOISOPERATOR, target.Nick, "is an IRC operator")
	}
	if target.Account != "" {
		x.numeric(numerics.RPL_WHOISACCOUNT, target.Nick, target.Account, "is logged in as")
	}

	var chans []string
	for _, ch := range x.d.Store.ChannelsOf(target.Handle) {
		if ch.Modes.Secret && !ch.IsMember(x.c.Handle) {
			continue
		}
		mode, _ := ch.MemberMode(target.Handle)
		chans = append(chans, mode.Prefix()+ch.Name)
	}
	if len(chans) > 0 {
		x.numeric(numerics.RPL_WHOISCHANNELS, target.Nick, strings.Join(chans, " "))
	}

	idle := int64(0)
	if !target.LastActivity.IsZero() {
		idle = int64(time.Since(target.LastActivity).Seconds())
	}
	x.numeric(numerics.RPL_WHOISIDLE, target.Nick, strconv.FormatInt(idle, 10), strconv.FormatInt(target.Registered_.Unix(), 10), "seconds idle, signon time")
	x.numeric(numerics.RPL_ENDOFWHOIS, target.Nick, "End of /WHOIS list")
}

// handleWhowas implements WHOWAS from the Store's retained departure
// history (spec.md §4.4).
func handleWhowas(x *ctx) {
	nick := x.param(0)
	entries := x.d.Store.Whowas(nick)
	if len(entries) == 0 {
		x.numeric(numerics.ERR_WASNOSUCHNICK, nick, "There was no such nickname")
		x.numeric(numerics.RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
		return
	}
	for _, e := range entries {
		x.numeric(numerics.RPL_WHOWASUSER, e.Nick, e.User, e.Host, "*", e.Real)
	}
	x.numeric(numerics.RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
}

func handleUserhost(x *ctx) {
	var parts []string
	for _, nick := range x.params {
		c, ok := x.d.Store.ClientByNick(nick)
		if !ok {
			continue
		}
		entry := c.Nick
		if c.Operator {
			entry += "*"
		}
		entry += "="
		if c.AwayMessage != "" {
			entry += "-"
		} else {
			entry += "+"
		}
		entry += c.User + "@" + c.Host
		parts = append(parts, entry)
	}
	x.numeric(numerics.RPL_USERHOST, strings.Join(parts, " "))
}

func handleIson(x *ctx) {
	var online []string
	for _, nick := range x.params {
		if c, ok := x.d.Store.ClientByNick(nick); ok {
			online = append(online, c.Nick)
		}
	}
	x.numeric(numerics.RPL_ISON, strings.Join(online, " "))
}

func handleLusers(x *ctx) {
	clients := x.d.Store.AllClients()
	opers := 0
	registered := 0
	for _, c := range clients {
		if c.Operator {
			opers++
		}
		if c.Stage == clientstate.Registered {
			registered++
		}
	}
	x.numeric(numerics.RPL_LUSERCLIENT, "There are "+strconv.Itoa(registered)+" users and 0 invisible on 1 server")
	x.numeric(numerics.RPL_LUSEROP, strconv.Itoa(opers), "operator(s) online")
	x.numeric(numerics.RPL_LUSERUNKNOWN, strconv.Itoa(len(clients)-registered), "unknown connection(s)")
	x.numeric(numerics.RPL_LUSERCHANNELS, strconv.Itoa(len(x.d.Store.AllChannels())), "channels formed")
	x.numeric(numerics.RPL_LUSERME, "I have "+strconv.Itoa(registered)+" clients and 1 server")
}

func handleVersion(x *ctx) {
	x.numeric(numerics.RPL_VERSION, x.d.Version, x.d.ServerName, "")
}

func handleTime(x *ctx) {
	x.numeric(numerics.RPL_TIME, x.d.ServerName, x.d.StartTime.Format("Mon Jan 2 2006 15:04:05 MST"))
}

func handleInfo(x *ctx) {
	x.numeric(numerics.RPL_INFO, x.d.ServerName+" ("+x.d.Version+")")
	x.numeric(numerics.RPL_ENDOFINFO, "End of /INFO list")
}

func handleAdmin(x *ctx) {
	meta := x.d.Store.Metadata()
	x.numeric(numerics.RPL_ADMINME, x.d.ServerName, "Administrative info about "+x.d.ServerName)
	x.numeric(numerics.RPL_ADMINLOC1, meta.OrgName)
	x.numeric(numerics.RPL_ADMINLOC2, meta.OrgLocation)
	x.numeric(numerics.RPL_ADMINEMAIL, meta.OrgMail)
}
