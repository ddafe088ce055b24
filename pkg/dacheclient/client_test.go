package dacheclient_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/internal/engine"
	"github.com/haneytron/dache/internal/hostserver"
	"github.com/haneytron/dache/internal/persist"
	"github.com/haneytron/dache/internal/protocol"
	"github.com/haneytron/dache/pkg/dacheclient"
)

func startHost(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	p, err := persist.Open(t.TempDir())
	require.NoError(t, err)
	e := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	ln.Close()

	srv := hostserver.New(hostserver.Config{ListenAddr: addr, MaxFrameSize: protocol.DefaultMaxFrameSize}, e, nil)
	e.SetNotify(srv.NotifyFunc())
	go srv.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		srv.Shutdown()
		e.Shutdown()
	}
}

func newTestClient(t *testing.T, addrs ...string) *dacheclient.Client {
	t.Helper()
	c := dacheclient.NewClient(dacheclient.ClientConfig{
		CacheHosts:        addrs,
		RedundancyLayers:  1,
		ReconnectInterval: 20 * time.Millisecond,
		CommTimeout:       time.Second,
		SendQueueDepth:    16,
		RetryBound:        2,
	})
	t.Cleanup(c.Close)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allOnline := true
		for _, b := range c.Router().Buckets() {
			if !b.Online() {
				allOnline = false
			}
		}
		if allOnline {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c
}

func TestClientSetGetDelRoundTrip(t *testing.T) {
	addr, shutdown := startHost(t)
	defer shutdown()

	c := newTestClient(t, addr)
	ctx := context.Background()

	err := c.Set(ctx, []protocol.KeyValue{{Key: "a", Value: []byte("1")}}, protocol.Policy{}, "", false)
	require.NoError(t, err)

	values, err := c.Get(ctx, []string{"a"})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, values)

	require.NoError(t, c.Del(ctx, []string{"a"}))

	values, err = c.Get(ctx, []string{"a"})
	require.NoError(t, err)
	require.Nil(t, values[0])
}

func TestClientKeysAndTagFilter(t *testing.T) {
	addr, shutdown := startHost(t)
	defer shutdown()

	c := newTestClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []protocol.KeyValue{{Key: "order-1", Value: []byte("v")}}, protocol.Policy{}, "orders", false))
	require.NoError(t, c.Set(ctx, []protocol.KeyValue{{Key: "user-1", Value: []byte("v")}}, protocol.Policy{}, "users", false))

	keys, err := c.Keys(ctx, "*", []string{"orders"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"order-1"}, keys)
}

func TestClientRejectsKeyWithSpaceWithoutIO(t *testing.T) {
	c := dacheclient.NewClient(dacheclient.ClientConfig{
		CacheHosts: nil,
	})
	defer c.Close()

	_, err := c.Get(context.Background(), []string{"has space"})
	require.Error(t, err)

	err = c.Set(context.Background(), []protocol.KeyValue{{Key: "has space", Value: []byte("v")}}, protocol.Policy{}, "", false)
	require.Error(t, err)

	err = c.Set(context.Background(), []protocol.KeyValue{{Key: "ok", Value: nil}}, protocol.Policy{}, "", false)
	require.Error(t, err)
}

func TestClientSurfacesDisconnectAndReconnectEvents(t *testing.T) {
	p, err := persist.Open(t.TempDir())
	require.NoError(t, err)
	e := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)
	defer e.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv := hostserver.New(hostserver.Config{ListenAddr: addr, MaxFrameSize: protocol.DefaultMaxFrameSize}, e, nil)
	e.SetNotify(srv.NotifyFunc())
	go srv.Start()
	defer srv.Shutdown()

	var disconnects, reconnects atomic.Int32
	c := dacheclient.NewClient(dacheclient.ClientConfig{
		CacheHosts:        []string{addr},
		ReconnectInterval: 20 * time.Millisecond,
		CommTimeout:       time.Second,
		OnHostDisconnect:  func(string) { disconnects.Add(1) },
		OnHostReconnect:   func(string) { reconnects.Add(1) },
	})
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !c.Router().Buckets()[0].Online() {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.Router().Buckets()[0].Online())

	// Force a disconnect by bouncing the listener's one accepted
	// connection from the host side.
	srv.Shutdown()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && disconnects.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Greater(t, disconnects.Load(), int32(0))

	srv2 := hostserver.New(hostserver.Config{ListenAddr: addr, MaxFrameSize: protocol.DefaultMaxFrameSize}, e, nil)
	e.SetNotify(srv2.NotifyFunc())
	go srv2.Start()
	defer srv2.Shutdown()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reconnects.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Greater(t, reconnects.Load(), int32(0))
}

func TestClientNoHostsAvailable(t *testing.T) {
	c := dacheclient.NewClient(dacheclient.ClientConfig{
		CacheHosts:        []string{"127.0.0.1:1"}, // nothing listening
		ReconnectInterval: 5 * time.Millisecond,
		CommTimeout:       100 * time.Millisecond,
		RetryBound:        0,
	})
	defer c.Close()

	_, err := c.Get(context.Background(), []string{"a"})
	require.Error(t, err)
}
