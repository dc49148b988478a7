package ws

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptKeyMatchesRFCExample(t *testing.T) {
	// RFC 6455 section 1.3's worked example.
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestUpgradeAndFrameRoundTrip(t *testing.T) {
	upgraded := make(chan *Conn, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		require.NoError(t, err)
		upgraded <- conn.(*Conn)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = raw.Write([]byte(req))
	require.NoError(t, err)

	br := bufio.NewReader(raw)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "101")
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	var serverConn *Conn
	select {
	case serverConn = <-upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not upgrade the connection")
	}

	// Client frame: masked text frame carrying "PING\r\n".
	payload := []byte("PING\r\n")
	maskKey := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ maskKey[i%4]
	}
	frame := append([]byte{0x81, 0x80 | byte(len(payload))}, maskKey[:]...)
	frame = append(frame, masked...)
	_, err = raw.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := serverConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	// Server-to-client frame must round-trip back to the client unmasked.
	_, err = serverConn.Write([]byte("PONG\r\n"))
	require.NoError(t, err)

	header := make([]byte, 2)
	_, err = io.ReadFull(br, header)
	require.NoError(t, err)
	require.Equal(t, byte(0x81), header[0])
	require.Equal(t, byte(6), header[1]&0x7F)
	require.Equal(t, byte(0), header[1]&0x80, "server frames must not be masked")
}
