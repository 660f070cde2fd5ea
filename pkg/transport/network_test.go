package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEventually(t *testing.T, tr Transport) Datagram {
	t.Helper()
	var got Datagram
	require.Eventually(t, func() bool {
		d, ok, err := tr.Receive()
		if err != nil || !ok {
			return false
		}
		got = d
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestUDP_Loopback(t *testing.T) {
	t.Parallel()

	a, err := ListenUDP("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := ListenUDP("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Send([]byte("ping"), b.LocalAddr()))
	d := receiveEventually(t, b)
	assert.Equal(t, []byte("ping"), d.Data)

	// Reply to the source address of the datagram.
	require.NoError(t, b.Send([]byte("pong"), d.Addr))
	d = receiveEventually(t, a)
	assert.Equal(t, []byte("pong"), d.Data)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	t.Parallel()

	server := NewWebSocketServer("server", zerolog.Nop())
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Send([]byte{1, 2, 3}, server.LocalAddr()))
	d := receiveEventually(t, server)
	assert.Equal(t, []byte{1, 2, 3}, d.Data)

	require.NoError(t, server.Send([]byte{4, 5}, d.Addr))
	reply := receiveEventually(t, client)
	assert.Equal(t, []byte{4, 5}, reply.Data)
	assert.Equal(t, client.ServerAddr(), reply.Addr)

	require.ErrorIs(t, server.Send([]byte{9}, NewAddr(websocketNetwork, "1.2.3.4:5")), ErrUnknownAddr)
}
