package intern_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/internal/intern"
)

// fakeStore is a minimal intern.Store for tests that don't need a
// full engine.
type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) PutNeverEvict(key string, value []byte) { s.data[key] = value }
func (s *fakeStore) DeleteRaw(key string)                   { delete(s.data, key) }

func TestAddInternedDedupesIdenticalContent(t *testing.T) {
	store := newFakeStore()
	tbl := intern.New()

	tbl.AddInterned(store, "a", []byte("shared"))
	tbl.AddInterned(store, "b", []byte("shared"))

	require.Equal(t, 2, tbl.Refcount([]byte("shared")))
	require.Len(t, store.data, 1, "only one copy of the shared content should be stored")
}

func TestRemoveFreesContentWhenLastReferenceGone(t *testing.T) {
	store := newFakeStore()
	tbl := intern.New()

	tbl.AddInterned(store, "a", []byte("shared"))
	tbl.AddInterned(store, "b", []byte("shared"))
	tbl.Remove(store, "a")

	require.Equal(t, 1, tbl.Refcount([]byte("shared")))
	require.Len(t, store.data, 1)

	tbl.Remove(store, "b")
	require.Equal(t, 0, tbl.Refcount([]byte("shared")))
	require.Empty(t, store.data)
}

func TestReAddingSameKeyDifferentContentDecrefsOld(t *testing.T) {
	store := newFakeStore()
	tbl := intern.New()

	tbl.AddInterned(store, "a", []byte("one"))
	tbl.AddInterned(store, "a", []byte("two"))

	require.Equal(t, 0, tbl.Refcount([]byte("one")))
	require.Equal(t, 1, tbl.Refcount([]byte("two")))
}

func TestIsInternalKeyRecognizesContentKeysOnly(t *testing.T) {
	require.False(t, intern.IsInternalKey("user-key"))
	require.True(t, intern.IsInternalKey(intern.ContentKeyFor(12345)))
}

func TestKeysReturnsAllInternedUserKeys(t *testing.T) {
	store := newFakeStore()
	tbl := intern.New()
	tbl.AddInterned(store, "a", []byte("x"))
	tbl.AddInterned(store, "b", []byte("y"))

	require.ElementsMatch(t, []string{"a", "b"}, tbl.Keys())
}
