// Package casefold provides the case-folded string key used to index
// nicknames and channel names. Folding itself is delegated to
// github.com/ergochat/irc-go/ircutils, which implements RFC 1459's
// ASCII-with-Nordic-extension casemapping; this package only adds the
// "keep the original alongside the fold" convenience the rest of the
// server relies on.
package casefold

import "github.com/ergochat/irc-go/ircutils"

// Key is a case-folded identifier paired with the original spelling a
// client used, so display strings never lose their casing while lookups
// stay case-insensitive.
type Key struct {
	Original string
	Folded   string
}

// New folds s and returns a Key. Folding never fails: unfoldable bytes are
// passed through unchanged, matching ircutils.Casefold's behavior for
// legacy encodings.
func New(s string) Key {
	folded, err := ircutils.Casefold(s)
	if err != nil {
		folded = s
	}
	return Key{Original: s, Folded: folded}
}

// Fold returns only the folded form of s.
func Fold(s string) string {
	folded, err := ircutils.Casefold(s)
	if err != nil {
		return s
	}
	return folded
}

// Equal reports whether a and b fold to the same key.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}
