package hostserver_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/internal/engine"
	"github.com/haneytron/dache/internal/hostserver"
	"github.com/haneytron/dache/internal/persist"
	"github.com/haneytron/dache/internal/protocol"
)

func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	p, err := persist.Open(t.TempDir())
	require.NoError(t, err)
	e := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)

	// Bind first so the test can learn the ephemeral port before Start
	// blocks in its accept loop.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	ln.Close()

	srv := hostserver.New(hostserver.Config{ListenAddr: addr, MaxFrameSize: protocol.DefaultMaxFrameSize}, e, nil)
	e.SetNotify(srv.NotifyFunc())

	go srv.Start()
	waitForDial(t, addr)

	return addr, func() {
		srv.Shutdown()
		e.Shutdown()
	}
}

func waitForDial(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never came up on %s", addr)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	setFrame, err := protocol.EncodeSet(1, &protocol.SetCommand{
		Pairs: []protocol.KeyValue{{Key: "greeting", Value: []byte("hello")}},
	})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, setFrame))

	resp, err := protocol.ReadFrame(reader, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))

	getFrame := protocol.EncodeGet(2, []string{"greeting"})
	require.NoError(t, protocol.WriteFrame(conn, getFrame))

	resp, err = protocol.ReadFrame(reader, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	values, err := protocol.DecodeGetResponse(resp.Payload)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hello")}, values)
}

func TestUnknownVerbReturnsError(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	bogus := &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: 7, Payload: []byte("frobnicate k")}
	require.NoError(t, protocol.WriteFrame(conn, bogus))

	resp, err := protocol.ReadFrame(reader, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, uint32(7), resp.CorrelationID)
	require.Contains(t, string(resp.Payload), "ERR")
}
