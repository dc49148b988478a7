package dispatch

import (
	"os"
	"strings"

	"github.com/presbrey/ircd/internal/numerics"
)

// handleOper implements OPER (spec.md §4.4): the name/password pair is
// checked against the `opers` list from configuration, a separate
// credential source from the SASL-backed Store (spec.md §6 distinguishes
// the two explicitly).
func handleOper(x *ctx) {
	name := x.param(0)
	password := x.param(1)
	for _, o := range x.d.Store.Opers() {
		if o.Name == name && o.Password == password {
			x.c.Operator = true
			x.c.Modes.Operator = true
			x.numeric(numerics.RPL_YOUREOPER, "You are now an IRC operator")
			return
		}
	}
	x.numeric(numerics.ERR_PASSWDMISMATCH, "Password incorrect")
}

// handleKill implements KILL (spec.md §4.4): operator-only, forcibly
// disconnects the target with a notice carrying the killer's identity.
// Dispatch already enforces reqOperator before routing here.
func handleKill(x *ctx) {
	nick := x.param(0)
	reason := x.param(1)
	if reason == "" {
		reason = "Killed"
	}
	target, ok := x.d.Store.ClientByNick(nick)
	if !ok {
		x.numeric(numerics.ERR_NOSUCHNICK, nick, "No such nick/channel")
		return
	}
	x.d.deliver(target, nil, x.c.Prefix(), "KILL", target.Nick, reason)
	quitClient(x.d, target, "Killed ("+x.c.Nick+": "+reason+")")
}

// handleRehash implements REHASH (spec.md §9): reloads configuration from
// disk and atomically swaps the Store's limits/opers/metadata. Reading
// the config file is a blocking disk operation, so the Store lock is
// released around it the same way dispatchAuthenticate releases it
// around the credential lookup (spec.md §5's suspension-point rule).
func handleRehash(x *ctx) {
	if x.d.Config == nil {
		x.numeric(numerics.RPL_REHASHING, "(no config file)", "Rehashing")
		return
	}
	source := x.d.Config.Source
	if err := x.d.Reload(); err != nil {
		x.numeric(numerics.RPL_REHASHING, source, "Rehash failed: "+err.Error())
		return
	}
	x.numeric(numerics.RPL_REHASHING, x.d.Config.Source, "Rehashing")
}

// loadMOTD reads and splits the MOTD file into display lines, keeping the
// previous value if the file can't be read (REHASH should never clobber a
// working MOTD with a missing-file error).
func loadMOTD(path string, fallback []string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
