package dacheclient_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/pkg/dacheclient"
)

func newDisconnectedConn(addr string) *dacheclient.HostConnection {
	hc := dacheclient.NewHostConnection(dacheclient.HostConnectionConfig{
		Addr:              addr,
		ReconnectInterval: time.Hour, // never actually retries during the test
	})
	return hc
}

func TestRouterGroupsHostsIntoBucketsByRedundancy(t *testing.T) {
	conns := []*dacheclient.HostConnection{
		newDisconnectedConn("10.0.0.3:1"),
		newDisconnectedConn("10.0.0.1:1"),
		newDisconnectedConn("10.0.0.2:1"),
		newDisconnectedConn("10.0.0.4:1"),
	}
	for _, c := range conns {
		defer c.Close()
	}

	// redundancyLayers=2 means buckets of size 3 (primary + 2 mirrors):
	// the 4 sorted hosts split into a full bucket of 3 and a short
	// bucket of 1.
	r := dacheclient.NewRouter(conns, 2)
	require.Len(t, r.Buckets(), 2)
	require.Equal(t, "10.0.0.1:1", r.Buckets()[0].Primary().Addr())
	require.Equal(t, "10.0.0.4:1", r.Buckets()[1].Primary().Addr())
}

func TestRouterBucketSizeIsRedundancyLayersPlusOne(t *testing.T) {
	conns := []*dacheclient.HostConnection{
		newDisconnectedConn("10.0.0.1:1"),
		newDisconnectedConn("10.0.0.2:1"),
	}
	for _, c := range conns {
		defer c.Close()
	}

	// redundancyLayers=0 means one host per bucket: no mirroring.
	r := dacheclient.NewRouter(conns, 0)
	require.Len(t, r.Buckets(), 2)

	// redundancyLayers=1 means buckets of size 2: both hosts mirror
	// each other in a single bucket.
	r = dacheclient.NewRouter(conns, 1)
	require.Len(t, r.Buckets(), 1)
	require.Equal(t, "10.0.0.1:1", r.Buckets()[0].Primary().Addr())
}

func TestRouterReturnsNoHostsAvailableWhenAllOffline(t *testing.T) {
	conns := []*dacheclient.HostConnection{newDisconnectedConn("127.0.0.1:1")}
	defer conns[0].Close()

	r := dacheclient.NewRouter(conns, 1)
	_, err := r.BucketFor("any-key")
	require.Error(t, err)
}
