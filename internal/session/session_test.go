package session

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/dispatch"
	"github.com/presbrey/ircd/internal/store"
)

func newTestDispatcher() *dispatch.Dispatcher {
	limits := config.Defaults().Limits
	st := store.New("test.local", limits, nil, store.Metadata{Domain: "test.local", Created: time.Now()})
	return &dispatch.Dispatcher{
		Store:      st,
		Caps:       capneg.New(false),
		ServerName: "test.local",
		Network:    "TestNet",
		Version:    "test",
		StartTime:  time.Now(),
	}
}

func TestSessionRegistersClient(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	d := newTestDispatcher()
	sess := New(server, d, 2*time.Second, false)

	done := make(chan struct{})
	go func() {
		sess.Serve()
		close(done)
	}()

	reader := bufio.NewReader(client)
	_, err := client.Write([]byte("NICK alice\r\nUSER a 0 * :Alice\r\n"))
	require.NoError(t, err)

	var welcome string
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if containsCommand(line, "001") {
			welcome = line
			break
		}
	}
	require.NotEmpty(t, welcome)
	require.Equal(t, "alice", sess.Client().Nick)

	// net.Pipe has no buffering: keep reading the rest of the registration
	// burst so the session's writer can drain its queue and exit.
	go io.Copy(io.Discard, reader)

	_, err = client.Write([]byte("QUIT :bye\r\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after QUIT")
	}
}

func TestSessionTimesOutUnregisteredClient(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	d := newTestDispatcher()
	sess := New(server, d, 50*time.Millisecond, false)

	done := make(chan struct{})
	go func() {
		sess.Serve()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out an unregistered client")
	}
}

func containsCommand(line, code string) bool {
	for i := 0; i+len(code) <= len(line); i++ {
		if line[i:i+len(code)] == code {
			return true
		}
	}
	return false
}
