// Package message frames raw IRC traffic into parsed messages and back.
// Tokenizing and raw line-framing are explicitly out of scope for this
// server's own code (spec.md §1's external-collaborator list); both are
// delegated to github.com/ergochat/irc-go, the same tokenizer already
// vendored by other servers in this family.
package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircreader"
)

// Limits on the wire format, per spec.md §6: 512 bytes for the legacy
// portion (command, params, trailing, CRLF) plus up to 8191 bytes of
// leading IRCv3 message-tags.
const (
	MaxLineLen = 512
	MaxTagLen  = 8191
)

var ErrLineTooLong = errors.New("message: line exceeds the legacy/tag size limit")

// Message is a parsed inbound or outbound IRC line: optional tags,
// optional source, a command, and its parameters.
type Message = ircmsg.Message

// Parse tokenizes a single raw line (without the trailing CRLF) received
// from a client.
func Parse(line string) (Message, error) {
	msg, err := ircmsg.ParseLineStrict(line, true, MaxTagLen)
	if err != nil {
		return Message{}, fmt.Errorf("message: parse: %w", err)
	}
	return msg, nil
}

// Format serializes a server-origin message back to wire form, including
// the trailing CRLF.
func Format(msg Message) (string, error) {
	line, err := msg.Line()
	if err != nil {
		return "", fmt.Errorf("message: format: %w", err)
	}
	return line, nil
}

// Reader reassembles whole, size-bounded lines from a byte stream. It
// wraps ircreader.Reader, which already enforces the legacy+tag length
// split this server requires.
type Reader struct {
	r *ircreader.Reader
}

// NewReader wraps r, bounding buffered line length at MaxLineLen+MaxTagLen.
func NewReader(r io.Reader) *Reader {
	ir := &ircreader.Reader{}
	ir.Initialize(r, 512, MaxLineLen+MaxTagLen)
	return &Reader{r: ir}
}

// NextLine returns the next complete line, with its CRLF/LF stripped. It
// returns ErrLineTooLong if a single line exceeded the configured limit,
// and the underlying read error (including io.EOF) otherwise.
func (r *Reader) NextLine() (string, error) {
	line, err := r.r.ReadLine()
	if err != nil {
		if errors.Is(err, ircreader.ErrReadQ) {
			return "", ErrLineTooLong
		}
		return "", err
	}
	return string(line), nil
}

// Writer flushes formatted lines to an underlying buffered writer,
// matching the session loop's "drain outbound queue" responsibility.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 4096)}
}

func (w *Writer) WriteLine(line string) error {
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	return nil
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}
