// Package persist implements C3: the append-only on-disk mirror of
// live, non-interned cache entries.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haneytron/dache/internal/cacheerr"
)

// stripeCount is the number of key-scoped lock stripes. Two writers
// to the same key serialize; writers to different keys run in
// parallel.
const stripeCount = 64

// Record is the on-disk mirror of a CacheEntry. Expiration state is
// intentionally not part of it: a restart brings entries back without
// their residual expiration timers.
type Record struct {
	Key      string `msgpack:"key"`
	Value    []byte `msgpack:"value"`
	Interned bool   `msgpack:"interned"`
	Tag      string `msgpack:"tag"`
}

// Persister owns a directory of one file per live non-interned entry.
type Persister struct {
	dir     string
	stripes [stripeCount]sync.RWMutex
}

func Open(dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &cacheerr.PersistenceError{Op: "open", Key: "", Err: err}
	}
	return &Persister{dir: dir}, nil
}

func keyHash(key string) uint64 { return xxhash.Sum64String(key) }

func stripeFor(key string) int { return int(keyHash(key) % stripeCount) }

func (p *Persister) keyPrefix(key string) string {
	return fmt.Sprintf("%016x", keyHash(key))
}

func (p *Persister) fileName(key string, value []byte) string {
	return fmt.Sprintf("%016x-%016x", keyHash(key), xxhash.Sum64(value))
}

// filesForKey returns every file in the directory whose name begins
// with key's hash prefix. Hash collisions between distinct keys are
// possible and are resolved by the caller comparing the deserialized
// key.
func (p *Persister) filesForKey(key string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.dir, p.keyPrefix(key)+"-*"))
	if err != nil {
		return nil, &cacheerr.PersistenceError{Op: "glob", Key: key, Err: err}
	}
	return matches, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Persist atomically writes entry's record, replacing any stale file
// for the same key (e.g. after a value update, which changes the
// file name).
func (p *Persister) Persist(rec *Record) error {
	stripe := &p.stripes[stripeFor(rec.Key)]
	stripe.Lock()
	defer stripe.Unlock()

	target := p.fileName(rec.Key, rec.Value)

	existing, err := p.filesForKey(rec.Key)
	if err != nil {
		return err
	}
	for _, path := range existing {
		if filepath.Base(path) == target {
			continue
		}
		old, err := readRecord(path)
		if err != nil {
			continue // corrupt/partial file from a prior crash; overwritten below
		}
		if old.Key == rec.Key {
			_ = os.Remove(path)
		}
	}

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return &cacheerr.PersistenceError{Op: "persist", Key: rec.Key, Err: err}
	}

	tmp, err := os.CreateTemp(p.dir, ".tmp-*")
	if err != nil {
		return &cacheerr.PersistenceError{Op: "persist", Key: rec.Key, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &cacheerr.PersistenceError{Op: "persist", Key: rec.Key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &cacheerr.PersistenceError{Op: "persist", Key: rec.Key, Err: err}
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p.dir, target)); err != nil {
		os.Remove(tmp.Name())
		return &cacheerr.PersistenceError{Op: "persist", Key: rec.Key, Err: err}
	}
	return nil
}

// TryLoad scans for a persisted record matching key.
func (p *Persister) TryLoad(key string) (*Record, bool, error) {
	stripe := &p.stripes[stripeFor(key)]
	stripe.RLock()
	defer stripe.RUnlock()

	files, err := p.filesForKey(key)
	if err != nil {
		return nil, false, err
	}
	for _, path := range files {
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if rec.Key == key {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Remove deletes the persisted record(s) for key.
func (p *Persister) Remove(key string) error {
	stripe := &p.stripes[stripeFor(key)]
	stripe.Lock()
	defer stripe.Unlock()

	files, err := p.filesForKey(key)
	if err != nil {
		return err
	}
	for _, path := range files {
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if rec.Key == key {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return &cacheerr.PersistenceError{Op: "remove", Key: key, Err: err}
			}
		}
	}
	return nil
}

// LoadAll iterates every persisted record in parallel and invokes fn
// for each one. fn may be called concurrently from multiple
// goroutines.
func (p *Persister) LoadAll(fn func(*Record)) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return &cacheerr.PersistenceError{Op: "load_all", Key: "", Err: err}
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != "" {
			continue
		}
		name := entry.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			rec, err := readRecord(filepath.Join(p.dir, name))
			if err != nil {
				return
			}
			fn(rec)
		}(name)
	}
	wg.Wait()
	return nil
}

// Clear removes every persisted record, used when the engine is reset
// wholesale.
func (p *Persister) Clear() error {
	for i := range p.stripes {
		p.stripes[i].Lock()
		defer p.stripes[i].Unlock()
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return &cacheerr.PersistenceError{Op: "clear", Key: "", Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return &cacheerr.PersistenceError{Op: "clear", Key: "", Err: err}
		}
	}
	return nil
}
