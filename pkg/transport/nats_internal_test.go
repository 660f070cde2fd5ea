package transport

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	TestNATS *server.Server
)

func TestMain(m *testing.M) {
	tempDir := filepath.Join(os.TempDir(), "nats-netcode-"+strconv.Itoa(os.Getpid()))

	// Uses modified values of NATS's own default test server config.
	opts := &server.Options{
		Host:                  "127.0.0.1",
		Port:                  -1, // Random available port
		NoLog:                 true,
		NoSigs:                true,
		MaxControlLine:        4096,
		DisableShortFirstPing: true,
		StoreDir:              tempDir,
	}

	TestNATS = test.RunServer(opts)

	code := m.Run()

	TestNATS.Shutdown()
	if err := os.RemoveAll(tempDir); err != nil {
		log.Printf("failed to remove temp dir: %v", err)
	}
	os.Exit(code)
}

func newTestNATS(t *testing.T, subject string) *NATS {
	t.Helper()

	require.NotNil(t, TestNATS, "test NATS server is not running")
	n, err := NewNATS(
		WithNATSConfig(NATSConfig{Name: "test", URL: TestNATS.ClientURL(), Subject: subject}),
		WithNATSLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNATS_SendReceive(t *testing.T) {
	t.Parallel()

	server := newTestNATS(t, "netcode.test.server")
	client := newTestNATS(t, "")
	assert.NotEqual(t, server.LocalAddr().String(), client.LocalAddr().String())

	require.NoError(t, client.Send([]byte("connect"), server.LocalAddr()))
	d := receiveEventually(t, server)
	assert.Equal(t, []byte("connect"), d.Data)
	assert.Equal(t, client.LocalAddr().String(), d.Addr.String())

	require.NoError(t, server.Send([]byte("accept"), d.Addr))
	reply := receiveEventually(t, client)
	assert.Equal(t, []byte("accept"), reply.Data)
}

func TestNATSConfig_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, NATSConfig{}.Validate())
	require.NoError(t, NATSConfig{URL: "nats://localhost:4222"}.Validate())
}
