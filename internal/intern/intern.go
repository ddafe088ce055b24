// Package intern implements C5: content-addressed dedup of values
// added under the "interned" policy.
package intern

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// internKeyPrefix marks the synthetic keys this table stores content
// bytes under inside the underlying engine. It starts with a NUL byte
// so ordinary text keys never match it; key validation rejects only
// empty keys and keys containing a space, so a user key that begins
// with this exact prefix is not refused.
const internKeyPrefix = "\x00intern:"

// Store is the subset of the memory engine's raw storage the intern
// table needs: a place to keep exactly one copy of bytes per distinct
// content hash, marked so ordinary eviction never touches it.
type Store interface {
	PutNeverEvict(key string, value []byte)
	DeleteRaw(key string)
}

// Table tracks, for every interned key, which content hash it
// currently references, and for every content hash, how many keys
// reference it.
//
// The hash is an unsalted 64-bit xxhash of the value bytes. Per the
// design notes, this is a correctness limitation: two distinct values
// that collide under xxhash would alias. Widening to a
// cryptographic-strength hash is the documented future hardening; the
// external contract (AddInterned/Remove/ContentKeyFor) does not
// change if that hardening happens.
type Table struct {
	mu       sync.RWMutex
	keyHash  map[string]uint64
	refcount map[uint64]int
}

func New() *Table {
	return &Table{
		keyHash:  make(map[string]uint64),
		refcount: make(map[uint64]int),
	}
}

// ContentKeyFor returns the synthetic storage key for a content hash.
func ContentKeyFor(hash uint64) string {
	return fmt.Sprintf("%s%016x", internKeyPrefix, hash)
}

// IsInternalKey reports whether key is one of this table's synthetic
// content keys, so the engine can exclude it from Keys()/count()
// enumeration of user-visible entries.
func IsInternalKey(key string) bool {
	return len(key) > len(internKeyPrefix) && key[:len(internKeyPrefix)] == internKeyPrefix
}

// AddInterned records that key now references value's content,
// storing the bytes (via store) if no other key already references
// them.
func (t *Table) AddInterned(store Store, key string, value []byte) {
	h := xxhash.Sum64(value)

	t.mu.Lock()
	defer t.mu.Unlock()

	if oldHash, ok := t.keyHash[key]; ok {
		if oldHash == h {
			// Re-adding the same content under the same key: no
			// refcount change needed.
			return
		}
		t.decrefLocked(store, oldHash)
	}

	t.keyHash[key] = h
	t.refcount[h]++
	if t.refcount[h] == 1 {
		store.PutNeverEvict(ContentKeyFor(h), value)
	}
}

// Remove drops key's interned reference, freeing the underlying bytes
// if it was the last reference.
func (t *Table) Remove(store Store, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.keyHash[key]
	if !ok {
		return
	}
	delete(t.keyHash, key)
	t.decrefLocked(store, h)
}

func (t *Table) decrefLocked(store Store, h uint64) {
	t.refcount[h]--
	if t.refcount[h] <= 0 {
		delete(t.refcount, h)
		store.DeleteRaw(ContentKeyFor(h))
	}
}

// ContentKeyForKey returns the synthetic storage key that key's
// content currently lives under, or ("", false) if key is not
// interned.
func (t *Table) ContentKeyForKey(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.keyHash[key]
	if !ok {
		return "", false
	}
	return ContentKeyFor(h), true
}

// IsInterned reports whether key is currently tracked as interned.
func (t *Table) IsInterned(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.keyHash[key]
	return ok
}

// Refcount returns the current refcount for value's content hash,
// mostly useful for tests asserting the invariants in spec §4.5.
func (t *Table) Refcount(value []byte) int {
	h := xxhash.Sum64(value)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refcount[h]
}

// Count returns the number of keys currently tracked as interned.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keyHash)
}

// Keys returns a snapshot of the user-facing keys currently tracked as
// interned, for enumeration by the engine's Keys operation.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.keyHash))
	for k := range t.keyHash {
		out = append(out, k)
	}
	return out
}
