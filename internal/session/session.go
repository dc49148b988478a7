// Package session implements the Session Loop (spec.md §4.6): one
// goroutine pair per connection, a reader that frames and dispatches
// inbound lines and a writer that drains the Client's outbound queue,
// decoupled so a slow reader on one connection never blocks a broadcast
// to another (spec.md §4.1's bounded-queue model).
package session

import (
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/presbrey/ircd/internal/clientstate"
	"github.com/presbrey/ircd/internal/dispatch"
	"github.com/presbrey/ircd/internal/message"
)

// Session owns one client connection end to end.
type Session struct {
	conn         net.Conn
	dispatcher   *dispatch.Dispatcher
	client       *clientstate.Client
	loginTimeout time.Duration
}

// New constructs a Session for a freshly accepted connection. The caller
// is responsible for any TLS handshake before calling Serve.
func New(conn net.Conn, d *dispatch.Dispatcher, loginTimeout time.Duration, tls bool) *Session {
	handle := clientstate.NextHandle()
	client := clientstate.New(handle, conn.RemoteAddr().String(), tls)
	return &Session{conn: conn, dispatcher: d, client: client, loginTimeout: loginTimeout}
}

// Client exposes the session's Client, e.g. for server-side accounting.
func (s *Session) Client() *clientstate.Client { return s.client }

// Serve runs the session until the connection closes or the client is
// force-quit, registering the client on entry and unregistering on exit.
// It blocks the calling goroutine; callers invoke it as `go session.Serve()`.
func (s *Session) Serve() {
	defer s.conn.Close()

	s.dispatcher.Store.Lock()
	s.dispatcher.Store.AddUnregistered(s.client)
	s.dispatcher.Store.Unlock()

	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	unblock := make(chan struct{})
	go func() {
		select {
		case <-s.client.CloseNotify:
			s.conn.SetReadDeadline(time.Unix(0, 0))
		case <-unblock:
		}
	}()

	s.readLoop()
	close(unblock)

	s.client.CloseOutbound()
	<-writerDone
}

func (s *Session) readLoop() {
	reader := message.NewReader(s.conn)
	for {
		if s.stage() != clientstate.Registered {
			s.conn.SetReadDeadline(time.Now().Add(s.loginTimeout))
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}

		line, err := reader.NextLine()
		if err != nil {
			s.disconnectOnReadError(err)
			return
		}
		if line == "" {
			continue
		}

		s.client.LastActivity = time.Now()

		msg, perr := message.Parse(line)
		if perr != nil {
			// Malformed input is dropped rather than torn down; a client
			// sending garbage still gets to correct itself.
			continue
		}

		s.dispatcher.Dispatch(s.client, msg)

		if s.stage() == clientstate.Quitting {
			return
		}
	}
}

// stage reads the client's registration stage under the Store's read
// lock, since it's otherwise only ever mutated while a command handler
// holds the write lock (spec.md §5).
func (s *Session) stage() clientstate.Stage {
	s.dispatcher.Store.RLock()
	defer s.dispatcher.Store.RUnlock()
	return s.client.Stage
}

func (s *Session) disconnectOnReadError(err error) {
	if s.stage() == clientstate.Quitting {
		// Already force-quit from another session's goroutine (KILL,
		// outbound overflow); the read deadline was nudged purely to
		// unblock this Read, not to report a new disconnect reason.
		return
	}
	switch {
	case errors.Is(err, message.ErrLineTooLong):
		s.dispatcher.Disconnect(s.client, "Closing link: line too long", clientstate.QuitFrameTooLong)
	case errors.Is(err, io.EOF):
		s.dispatcher.Disconnect(s.client, "Connection closed", clientstate.QuitClient)
	case isTimeout(err):
		s.dispatcher.Disconnect(s.client, "Closing link: registration timeout", clientstate.QuitRegistrationTimeout)
	default:
		s.dispatcher.Disconnect(s.client, "Closing link: read error", clientstate.QuitReadError)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeLoop drains the client's outbound queue to the wire until it is
// closed, at which point the connection is done being written to and the
// session can close it (the deferred conn.Close in Serve handles that).
func (s *Session) writeLoop(done chan<- struct{}) {
	defer close(done)
	w := message.NewWriter(s.conn)
	for line := range s.client.Outbound() {
		if err := w.WriteLine(line); err != nil {
			log.Printf("session: write to %s: %v", s.client.RemoteAddr, err)
			return
		}
		if err := w.Flush(); err != nil {
			log.Printf("session: flush to %s: %v", s.client.RemoteAddr, err)
			return
		}
	}
}
