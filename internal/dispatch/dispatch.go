// Package dispatch implements the Command Dispatcher (spec.md §4.4): it
// matches each parsed message to a handler based on registration stage
// and operator privilege, enforces arity/length limits, captures the
// labeled-response label, and commits handler-produced reply intents
// through the State Store, all under the Store's single coarse lock
// (spec.md §5; see DESIGN.md).
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/credstore"
	"github.com/presbrey/ircd/internal/message"
	"github.com/presbrey/ircd/internal/numerics"
	"github.com/presbrey/ircd/internal/store"
)

// Dispatcher holds the shared, rarely-changing collaborators every
// handler needs: the State Store, the capability negotiator, the
// credential store, and static server identity used in replies.
type Dispatcher struct {
	Store           *store.Store
	Caps            *capneg.Negotiator
	Creds           *credstore.Store
	Config          *config.Config
	ServerName      string
	Network         string
	DefaultChanMode string
	ServerPassword  string
	Version         string
	StartTime       time.Time
}

// stage requirement for a command (spec.md §4.4 point 2).
type stageReq int

const (
	reqAny        stageReq = iota // allowed before and after registration
	reqPreReg                     // only meaningful before registration (PASS/USER)
	reqRegistered                 // requires Stage == Registered
	reqOperator                   // requires Stage == Registered AND client.Operator
)

type handlerFunc func(x *ctx)

type commandSpec struct {
	minArity int
	stage    stageReq
	handler  handlerFunc
}

var commands map[string]commandSpec

func init() {
	commands = map[string]commandSpec{
		"PASS":         {1, reqPreReg, handlePass},
		"NICK":         {0, reqAny, handleNick},
		"USER":         {4, reqPreReg, handleUser},
		"CAP":          {1, reqAny, handleCap},
		"AUTHENTICATE": {1, reqAny, handleAuthenticate},
		"PING":         {0, reqAny, handlePing},
		"PONG":         {0, reqAny, handlePong},
		"QUIT":         {0, reqAny, handleQuit},
		"SETNAME":      {1, reqRegistered, handleSetname},
		"JOIN":         {1, reqRegistered, handleJoin},
		"PART":         {1, reqRegistered, handlePart},
		"TOPIC":        {1, reqRegistered, handleTopic},
		"NAMES":        {0, reqRegistered, handleNames},
		"LIST":         {0, reqRegistered, handleList},
		"INVITE":       {2, reqRegistered, handleInvite},
		"KICK":         {2, reqRegistered, handleKick},
		"MODE":         {1, reqRegistered, handleMode},
		"PRIVMSG":      {2, reqRegistered, handlePrivmsg},
		"NOTICE":       {2, reqRegistered, handleNotice},
		"TAGMSG":       {1, reqRegistered, handleTagmsg},
		"WHO":          {0, reqRegistered, handleWho},
		"WHOIS":        {1, reqRegistered, handleWhois},
		"WHOWAS":       {1, reqRegistered, handleWhowas},
		"AWAY":         {0, reqRegistered, handleAway},
		"OPER":         {2, reqRegistered, handleOper},
		"KILL":         {2, reqOperator, handleKill},
		"REHASH":       {0, reqOperator, handleRehash},
		"ADMIN":        {0, reqRegistered, handleAdmin},
		"INFO":         {0, reqRegistered, handleInfo},
		"MOTD":         {0, reqRegistered, handleMotd},
		"TIME":         {0, reqRegistered, handleTime},
		"USERHOST":     {1, reqRegistered, handleUserhost},
		"ISON":         {1, reqRegistered, handleIson},
		"LUSERS":       {0, reqRegistered, handleLusers},
		"VERSION":      {0, reqRegistered, handleVersion},
	}
}

// ctx is the per-command scratch state a handler operates on. self
// accumulates lines addressed back to the issuing client so Dispatch can
// apply labeled-response wrapping once the command finishes.
type ctx struct {
	d      *Dispatcher
	c      *clientstate.Client
	cmd    string
	params []string
	tags   map[string]string
	self   []string
}

func (x *ctx) numeric(code string, params ...string) {
	x.self = append(x.self, x.d.Store.Reply().Numeric(x.c, code, params...))
}

func (x *ctx) line(tags map[string]string, source, command string, params ...string) {
	x.self = append(x.self, x.d.Store.Reply().Line(x.c, tags, source, command, params...))
}

func (x *ctx) param(i int) string {
	if i < 0 || i >= len(x.params) {
		return ""
	}
	return x.params[i]
}

// deliver formats and enqueues a line to a recipient other than (or
// including) the issuing client; used for channel/targeted broadcast. A
// full outbound queue forces that recipient to quit immediately, right
// here under the lock already held by Dispatch, rather than leaving it
// marked Quitting with stale store/channel membership (spec.md §4.1).
func (d *Dispatcher) deliver(recipient *clientstate.Client, tags map[string]string, source, command string, params ...string) {
	line := d.Store.Reply().Line(recipient, tags, source, command, params...)
	if !recipient.Enqueue(line) && recipient.Stage != clientstate.Quitting {
		quitClient(d, recipient, "Outbound buffer overflow")
		recipient.QuitReason = clientstate.QuitOutboundOverflow
	}
}

// Dispatch handles one parsed message from c. It acquires the Store's
// coarse lock for the duration, except while an AUTHENTICATE payload is
// being verified against the credential store (spec.md §5's suspension
// rule), which releases the lock, calls out, and reacquires it to commit.
func (d *Dispatcher) Dispatch(c *clientstate.Client, msg message.Message) {
	cmd := strings.ToUpper(msg.Command)

	d.Store.Lock()
	spec, known := commands[cmd]
	if !known {
		x := &ctx{d: d, c: c, cmd: cmd, params: msg.Params, tags: msg.Tags}
		x.numeric(numerics.ERR_UNKNOWNCOMMAND, cmd, "Unknown command")
		d.finish(x)
		return
	}
	if len(msg.Params) < spec.minArity {
		x := &ctx{d: d, c: c, cmd: cmd, params: msg.Params, tags: msg.Tags}
		x.numeric(numerics.ERR_NEEDMOREPARAMS, cmd, "Not enough parameters")
		d.finish(x)
		return
	}
	if !stageAllows(spec.stage, c) {
		x := &ctx{d: d, c: c, cmd: cmd, params: msg.Params, tags: msg.Tags}
		if spec.stage == reqOperator && c.Stage == clientstate.Registered {
			x.numeric(numerics.ERR_NOPRIVILEGES, "Permission Denied- You're not an IRC operator")
		} else {
			x.numeric(numerics.ERR_NOTREGISTERED, "You have not registered")
		}
		d.finish(x)
		return
	}

	if label, ok := msg.Tags["label"]; ok {
		c.Label = label
	} else {
		c.Label = ""
	}

	x := &ctx{d: d, c: c, cmd: cmd, params: msg.Params, tags: msg.Tags}

	if cmd == "AUTHENTICATE" {
		// Handled specially: may need to drop the lock for the DB call.
		d.dispatchAuthenticate(x)
		return
	}

	spec.handler(x)
	d.finish(x)
}

// finish applies labeled-response wrapping, enqueues the accumulated
// self-lines, and then releases the lock.
func (d *Dispatcher) finish(x *ctx) {
	defer d.Store.Unlock()
	lines := d.Store.Reply().WrapLabeled(x.c, x.self)
	for _, l := range lines {
		if !x.c.Enqueue(l) {
			if x.c.Stage != clientstate.Quitting {
				quitClient(d, x.c, "Outbound buffer overflow")
				x.c.QuitReason = clientstate.QuitOutboundOverflow
			}
			return
		}
	}
}

// Disconnect force-quits c outside of normal command handling: a login
// timeout, a frame that exceeded the size limit, or a read/TLS error on
// its connection (spec.md §4.6, §7). The session loop calls this once it
// gives up on the connection; quitClient still runs under the Store lock
// so channel notification stays consistent with every other disconnect
// path.
func (d *Dispatcher) Disconnect(c *clientstate.Client, reason string, qr clientstate.QuitReason) {
	d.Store.Lock()
	defer d.Store.Unlock()
	if c.Stage == clientstate.Quitting {
		return
	}
	quitClient(d, c, reason)
	c.QuitReason = qr
}

// Reload implements REHASH's config-reload/store-swap sequence (spec.md
// §9). It must be called with the Store lock already held (handleRehash
// runs inside Dispatch's locked command handling), and returns with the
// lock still held: Dispatch's own deferred Unlock in finish settles it,
// the same as every other command. Reading the config file is a blocking
// disk operation, so the lock is released around it and reacquired
// before returning, the same suspension-point discipline
// dispatchAuthenticate uses around the credential lookup (spec.md §5).
func (d *Dispatcher) Reload() error {
	if d.Config == nil {
		return fmt.Errorf("dispatch: no config file to reload")
	}

	d.Store.Unlock()
	newCfg, err := d.Config.Reload("")
	d.Store.Lock()

	if err != nil {
		return err
	}
	d.Config = newCfg

	meta := d.Store.Metadata()
	meta.Domain = newCfg.Domain
	meta.OrgName = newCfg.OrgName
	meta.OrgLocation = newCfg.OrgLocation
	meta.OrgMail = newCfg.OrgMail
	meta.MOTD = loadMOTD(newCfg.MOTDFile, meta.MOTD)

	d.Store.SwapLimitsAndMeta(newCfg.Limits, newCfg.Opers, meta)
	d.DefaultChanMode = newCfg.DefaultChanMode
	return nil
}

// ReloadFromSignal acquires the Store lock itself and releases it before
// returning, for callers outside of command dispatch (the server's
// SIGHUP handler) that aren't already holding the lock the way
// handleRehash's caller is.
func (d *Dispatcher) ReloadFromSignal() error {
	d.Store.Lock()
	defer d.Store.Unlock()
	return d.Reload()
}

// handleAuthenticate is never actually invoked: Dispatch intercepts
// AUTHENTICATE before the commands table lookup's handler runs, routing it
// to dispatchAuthenticate instead, since only that path may release the
// Store lock for the credential lookup. It exists solely so commands'
// table entry has a valid handlerFunc value.
func handleAuthenticate(x *ctx) {}

func stageAllows(req stageReq, c *clientstate.Client) bool {
	switch req {
	case reqAny:
		return true
	case reqPreReg:
		return c.Stage != clientstate.Registered
	case reqRegistered:
		return c.Stage == clientstate.Registered
	case reqOperator:
		return c.Stage == clientstate.Registered && c.Operator
	default:
		return false
	}
}

// dispatchAuthenticate implements the part of AUTHENTICATE that must run
// outside the Store lock: when a payload completes the PLAIN exchange,
// the credential lookup is a blocking DB call (spec.md §5).
func (d *Dispatcher) dispatchAuthenticate(x *ctx) {
	c := x.c
	arg := x.param(0)

	if c.SASLStage == capneg.SASLIdle {
		if err := capneg.BeginPlain(c, arg); err != nil {
			x.numeric(numerics.ERR_SASLFAIL, "SASL authentication failed")
			if err == capneg.ErrTooManyAttempts {
				quitClient(d, c, "Too many SASL attempts")
			}
			d.finish(x)
			return
		}
		c.Stage = clientstate.SaslInProgress
		x.self = append(x.self, fmt.Sprintf(":%s AUTHENTICATE +\r\n", d.ServerName))
		d.finish(x)
		return
	}

	// AwaitingPayload: arg is either "*" (abort) or a base64 chunk.
	if arg == "*" {
		capneg.Abort(c)
		if c.Stage == clientstate.SaslInProgress {
			c.Stage = clientstate.CapNegotiating
		}
		x.numeric(numerics.ERR_SASLABORTED, "SASL authentication aborted")
		d.finish(x)
		return
	}

	creds, err := capneg.DecodePlain(arg)
	if err != nil {
		capneg.Abort(c)
		if c.Stage == clientstate.SaslInProgress {
			c.Stage = clientstate.CapNegotiating
		}
		x.numeric(numerics.ERR_SASLFAIL, "SASL authentication failed")
		d.finish(x)
		return
	}

	// Drop the lock for the blocking lookup, then reacquire to commit.
	c.SASLStage = capneg.SASLVerifying
	d.Store.Unlock()
	result, lookupErr := d.Creds.Lookup(context.Background(), creds.AuthcID, creds.Password)
	d.Store.Lock()

	capneg.Abort(c)
	if c.Stage == clientstate.SaslInProgress {
		c.Stage = clientstate.CapNegotiating
	}
	if lookupErr != nil || result != credstore.Ok {
		x.numeric(numerics.ERR_SASLFAIL, "SASL authentication failed")
		d.finish(x)
		return
	}

	c.Account = creds.AuthcID
	x.numeric(numerics.RPL_LOGGEDIN, c.Prefix(), c.Account, "You are now logged in as "+c.Account)
	x.numeric(numerics.RPL_SASLSUCCESS, "SASL authentication successful")
	d.finish(x)
}
