package engine_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/internal/engine"
	"github.com/haneytron/dache/internal/persist"
	"github.com/haneytron/dache/internal/protocol"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	p, err := persist.Open(dir)
	require.NoError(t, err)
	e := engine.New(engine.Config{SweepInterval: 50 * time.Millisecond}, p, nil, nil)
	t.Cleanup(e.Shutdown)
	return e
}

func TestAddGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("k1", []byte("hello"), protocol.Policy{}, "", false, ""))

	v, ok := e.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)
}

func TestGetMissingKey(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.Get("nope")
	require.False(t, ok)
}

func TestAbsoluteExpirySweep(t *testing.T) {
	e := newTestEngine(t)
	policy := protocol.Policy{Kind: protocol.PolicyAbsolute, AbsoluteAt: time.Now().Add(20 * time.Millisecond)}
	require.NoError(t, e.Add("k1", []byte("v"), policy, "", false, ""))

	_, ok := e.Get("k1")
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	_, ok = e.Get("k1")
	require.False(t, ok)
}

func TestSlidingExpiryRenewsOnGet(t *testing.T) {
	e := newTestEngine(t)
	policy := protocol.Policy{Kind: protocol.PolicySliding, SlidingTTL: 80 * time.Millisecond}
	require.NoError(t, e.Add("k1", []byte("v"), policy, "", false, ""))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, ok := e.Get("k1")
		require.True(t, ok)
		time.Sleep(30 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	_, ok := e.Get("k1")
	require.False(t, ok)
}

func TestRemoveNotifiesSubscriber(t *testing.T) {
	dir := newTempPersistDir(t)
	p, err := persist.Open(dir)
	require.NoError(t, err)

	var notifiedKey string
	var notifiedIDs []string
	notify := func(key string, ids []string) {
		notifiedKey = key
		notifiedIDs = ids
	}
	e := engine.New(engine.Config{SweepInterval: time.Hour}, p, notify, nil)
	defer e.Shutdown()

	require.NoError(t, e.Add("k1", []byte("v"), protocol.Policy{}, "", true, "conn-1"))
	require.NoError(t, e.Remove("k1"))

	require.Equal(t, "k1", notifiedKey)
	require.Equal(t, []string{"conn-1"}, notifiedIDs)
}

func TestUnregisterConnectionDropsSubscriptionOnly(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("k1", []byte("v"), protocol.Policy{}, "", true, "conn-1"))

	e.UnregisterConnection("conn-1")

	_, ok := e.Get("k1")
	require.True(t, ok, "unregistering a connection must not remove the entry itself")
}

func TestInternedValuesAreDeduped(t *testing.T) {
	e := newTestEngine(t)
	value := []byte("shared payload")
	require.NoError(t, e.Add("a", value, protocol.Policy{Kind: protocol.PolicyInterned}, "", false, ""))
	require.NoError(t, e.Add("b", value, protocol.Policy{Kind: protocol.PolicyInterned}, "", false, ""))

	va, ok := e.Get("a")
	require.True(t, ok)
	vb, ok := e.Get("b")
	require.True(t, ok)
	require.Equal(t, va, vb)

	require.NoError(t, e.Remove("a"))
	_, ok = e.Get("b")
	require.True(t, ok, "removing one interned key must not evict content still referenced by another")
}

func TestOverwritingPlainEntryWithInternedRemovesStaleRecord(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("k1", []byte("plain"), protocol.Policy{}, "", false, ""))
	require.NoError(t, e.Add("k1", []byte("interned"), protocol.Policy{Kind: protocol.PolicyInterned}, "", false, ""))

	v, ok := e.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte("interned"), v)
	require.Equal(t, 1, e.Count(), "the key must be counted once, not once as a stale plain entry and once interned")

	keys, err := e.Keys("*", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k1"}, keys)
}

func TestKeysFiltersByPatternAndTag(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("order-1", []byte("v"), protocol.Policy{}, "orders", false, ""))
	require.NoError(t, e.Add("order-2", []byte("v"), protocol.Policy{}, "orders", false, ""))
	require.NoError(t, e.Add("user-1", []byte("v"), protocol.Policy{}, "users", false, ""))

	keys, err := e.Keys("^order-", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"order-1", "order-2"}, keys)

	keys, err = e.Keys("*", []string{"users"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user-1"}, keys)
}

func TestClearRemovesEverythingIncludingPersisted(t *testing.T) {
	dir := newTempPersistDir(t)
	p, err := persist.Open(dir)
	require.NoError(t, err)
	e := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)
	defer e.Shutdown()

	require.NoError(t, e.Add("k1", []byte("v"), protocol.Policy{}, "", false, ""))
	waitForPersist(t, p, "k1")

	require.NoError(t, e.Clear())

	_, ok := e.Get("k1")
	require.False(t, ok)
	_, found, err := p.TryLoad("k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRestoreFromDiskRehydratesEntries(t *testing.T) {
	dir := newTempPersistDir(t)
	p, err := persist.Open(dir)
	require.NoError(t, err)

	e1 := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)
	require.NoError(t, e1.Add("k1", []byte("v1"), protocol.Policy{}, "t", false, ""))
	waitForPersist(t, p, "k1")
	e1.Shutdown()

	e2 := engine.New(engine.Config{SweepInterval: time.Hour}, p, nil, nil)
	defer e2.Shutdown()
	require.NoError(t, e2.RestoreFromDisk())

	v, ok := e2.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func newTempPersistDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dache-persist-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func waitForPersist(t *testing.T, p *persist.Persister, key string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := p.TryLoad(key); found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for key %q to persist", key)
}
