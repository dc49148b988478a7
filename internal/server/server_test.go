package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/dispatch"
	"github.com/presbrey/ircd/internal/store"
	"github.com/presbrey/ircd/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Bindings = []config.Binding{{Address: "127.0.0.1:0"}}
	cfg.LoginTimeout = 2000

	st := store.New(cfg.Domain, cfg.Limits, cfg.Opers, store.Metadata{Domain: cfg.Domain, Created: time.Now()})
	d := &dispatch.Dispatcher{
		Store:      st,
		Caps:       capneg.New(false),
		Config:     cfg,
		ServerName: cfg.Domain,
		Network:    "TestNet",
		Version:    "test",
		StartTime:  time.Now(),
	}

	// port 0 means the OS picks a free port; resolve it before Start so
	// callers know what to dial. net.Listen happens inside Start, so this
	// test binds its own probe listener first to reserve a known address.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())
	cfg.Bindings[0].Address = addr

	srv := New(cfg, d)
	require.NoError(t, srv.Start())
	require.NoError(t, testutil.WaitForListener(addr, 2*time.Second, 10*time.Millisecond))
	return srv, addr
}

func TestServerAcceptsAndRegistersClient(t *testing.T) {
	srv, addr := newTestServer(t)
	defer srv.Stop(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("NICK bob\r\nUSER b 0 * :Bob\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	found := false
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, " 001 ") {
			found = true
			break
		}
	}
	require.True(t, found, "expected RPL_WELCOME from the server")
}

func TestServerStopClosesListener(t *testing.T) {
	srv, addr := newTestServer(t)
	require.NoError(t, srv.Stop(time.Second))

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}
