// Package engine implements C6: the host-side memory cache engine that
// owns live entries and coordinates the tag index, intern table, and
// disk persister around them.
package engine

import (
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haneytron/dache/internal/cacheerr"
	"github.com/haneytron/dache/internal/intern"
	"github.com/haneytron/dache/internal/logging"
	"github.com/haneytron/dache/internal/persist"
	"github.com/haneytron/dache/internal/protocol"
	"github.com/haneytron/dache/internal/tagindex"
)

// NotifyFunc is invoked once per removed entry that carried the -c
// notify-on-remove flag, with the connection identifiers that
// subscribed to it.
type NotifyFunc func(key string, subscriberConnIDs []string)

// Config tunes the engine's background maintenance loops.
type Config struct {
	SweepInterval    time.Duration // expiration sweep cadence; default 10s
	PressureInterval time.Duration // memory check cadence; default 10s

	// MemoryLimitPercent is the process-RSS / total-physical-memory
	// fraction (0-100) above which non-interned entries are evicted
	// oldest-accessed first. Zero disables the pressure monitor.
	MemoryLimitPercent float64
}

// entryRecord is the engine's internal representation of a live
// non-interned entry. Its own mutex guards the fields that mutate
// after insertion (sliding-window renewal, last-access bookkeeping,
// subscriber set); the entries map itself is a sync.Map so lookups and
// inserts of distinct keys never contend.
type entryRecord struct {
	mu sync.Mutex

	value       []byte
	tag         string
	policy      protocol.Policy
	notify      bool
	subscribers map[string]struct{}

	createdAt  time.Time
	expiresAt  time.Time // zero means no expiration
	lastAccess time.Time
}

// state is the engine's entire mutable dataset. Clear() discards one
// state and installs a fresh one atomically rather than walking and
// deleting every entry under a lock, the same "swap the whole table"
// approach the teacher's config reload takes with its Config pointer.
type state struct {
	entries *sync.Map // string -> *entryRecord
	tags    *tagindex.Index
	intern  *intern.Table
}

func newState() *state {
	return &state{
		entries: &sync.Map{},
		tags:    tagindex.New(),
		intern:  intern.New(),
	}
}

// Engine is the host's single in-memory cache instance.
type Engine struct {
	st atomic.Pointer[state]

	persister *persist.Persister
	notify    NotifyFunc
	log       logging.Logger
	cfg       Config

	subMu        sync.Mutex
	bySubscriber map[string]map[string]struct{} // connID -> subscribed keys

	stopCh    chan struct{}
	wg        sync.WaitGroup
	persistWG sync.WaitGroup
	closed    atomic.Bool

	evictions     atomic.Int64
	sweeps        atomic.Int64
	persistErrors atomic.Int64
}

// New constructs an engine backed by persister and starts its
// background sweep and memory-pressure loops. notify may be nil if the
// host wires notifications some other way (tests commonly do).
func New(cfg Config, persister *persist.Persister, notify NotifyFunc, log logging.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.PressureInterval <= 0 {
		cfg.PressureInterval = 10 * time.Second
	}
	e := &Engine{
		persister:    persister,
		notify:       notify,
		log:          log,
		cfg:          cfg,
		bySubscriber: make(map[string]map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
	e.st.Store(newState())

	e.wg.Add(2)
	go e.sweepLoop()
	go e.pressureLoop()
	return e
}

// SetNotify binds the function invoked on notify-on-remove. It exists
// because the host server needs a constructed engine before it can
// build the closure notify calls into, and the engine needs to exist
// before the server does; callers must call this once during startup,
// before accepting any connections.
func (e *Engine) SetNotify(fn NotifyFunc) { e.notify = fn }

// Shutdown stops the background loops and waits for any in-flight
// persistence writes to finish, so a graceful host teardown does not
// lose a write that was already accepted.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
	close(e.stopCh)
	e.wg.Wait()
	e.persistWG.Wait()
}

// PutNeverEvict and DeleteRaw implement intern.Store: the raw content
// slot the intern table keeps exactly one copy of bytes in, bypassing
// expiration, tagging, and notification entirely.
func (e *Engine) PutNeverEvict(key string, value []byte) {
	st := e.st.Load()
	now := time.Now()
	st.entries.Store(key, &entryRecord{value: value, createdAt: now, lastAccess: now})
}

func (e *Engine) DeleteRaw(key string) {
	st := e.st.Load()
	st.entries.Delete(key)
}

// Add installs key -> value under policy, replacing any prior entry
// for key. subscriberConnID is recorded as the sole initial subscriber
// when notify is set; it is ignored otherwise. Every add, interned or
// not, is mirrored to disk: spec's PersistedRecord carries an Interned
// field, which is only meaningful if interned entries are persisted
// too, so that is the behavior implemented here (see DESIGN.md).
func (e *Engine) Add(key string, value []byte, policy protocol.Policy, tag string, notify bool, subscriberConnID string) error {
	if key == "" {
		return cacheerr.NewProtocolError("key must not be empty")
	}
	if len(value) == 0 {
		return cacheerr.NewProtocolError("value for key %q must not be empty", key)
	}

	st := e.st.Load()

	if policy.Kind == protocol.PolicyInterned {
		e.clearSubscriptions(st, key)
		st.entries.Delete(key)
		st.intern.AddInterned(e, key, value)
		if tag != "" {
			st.tags.Add(key, tag)
		} else {
			st.tags.Remove(key)
		}
		e.enqueuePersist(&persist.Record{Key: key, Value: value, Interned: true, Tag: tag})
		return nil
	}

	if st.intern.IsInterned(key) {
		st.intern.Remove(e, key)
	}
	e.clearSubscriptions(st, key)

	now := time.Now()
	var expiresAt time.Time
	switch policy.Kind {
	case protocol.PolicyAbsolute:
		expiresAt = policy.AbsoluteAt
	case protocol.PolicySliding:
		expiresAt = now.Add(policy.SlidingTTL)
	}

	rec := &entryRecord{
		value:      value,
		tag:        tag,
		policy:     policy,
		notify:     notify,
		createdAt:  now,
		lastAccess: now,
		expiresAt:  expiresAt,
	}
	if notify && subscriberConnID != "" {
		rec.subscribers = map[string]struct{}{subscriberConnID: {}}
		e.subMu.Lock()
		m, ok := e.bySubscriber[subscriberConnID]
		if !ok {
			m = make(map[string]struct{})
			e.bySubscriber[subscriberConnID] = m
		}
		m[key] = struct{}{}
		e.subMu.Unlock()
	}

	st.entries.Store(key, rec)
	if tag != "" {
		st.tags.Add(key, tag)
	} else {
		st.tags.Remove(key)
	}
	e.enqueuePersist(&persist.Record{Key: key, Value: value, Interned: false, Tag: tag})
	return nil
}

// clearSubscriptions drops any prior subscriber bookkeeping for key,
// called before a key is overwritten with new content so the old
// subscriber set cannot leak into bySubscriber.
func (e *Engine) clearSubscriptions(st *state, key string) {
	v, ok := st.entries.Load(key)
	if !ok {
		return
	}
	rec, ok := v.(*entryRecord)
	if !ok || len(rec.subscribers) == 0 {
		return
	}
	e.subMu.Lock()
	for id := range rec.subscribers {
		if m, ok := e.bySubscriber[id]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(e.bySubscriber, id)
			}
		}
	}
	e.subMu.Unlock()
}

// Get returns key's current value. A sliding-policy hit renews the
// entry's expiration; an absolute-policy hit that has already passed
// its deadline is removed and reported absent, same as a sweep would
// have done moments later.
func (e *Engine) Get(key string) ([]byte, bool) {
	st := e.st.Load()

	if st.intern.IsInterned(key) {
		contentKey, _ := st.intern.ContentKeyForKey(key)
		v, ok := st.entries.Load(contentKey)
		if !ok {
			return nil, false
		}
		return v.(*entryRecord).value, true
	}

	v, ok := st.entries.Load(key)
	if !ok {
		return nil, false
	}
	rec := v.(*entryRecord)

	rec.mu.Lock()
	expired := !rec.expiresAt.IsZero() && !rec.expiresAt.After(time.Now())
	var value []byte
	if !expired {
		value = rec.value
		rec.lastAccess = time.Now()
		if rec.policy.Kind == protocol.PolicySliding {
			rec.expiresAt = rec.lastAccess.Add(rec.policy.SlidingTTL)
		}
	}
	rec.mu.Unlock()

	if expired {
		e.Remove(key)
		return nil, false
	}
	return value, true
}

// Remove deletes key, if present, dispatching exactly one notification
// to its subscribers when it carried the notify-on-remove flag.
func (e *Engine) Remove(key string) error {
	st := e.st.Load()

	if st.intern.IsInterned(key) {
		st.intern.Remove(e, key)
		st.tags.Remove(key)
		e.enqueuePersistRemove(key)
		return nil
	}

	v, ok := st.entries.LoadAndDelete(key)
	if !ok {
		return nil
	}
	rec := v.(*entryRecord)
	st.tags.Remove(key)
	e.enqueuePersistRemove(key)

	rec.mu.Lock()
	subscribers := rec.subscribers
	notify := rec.notify
	rec.mu.Unlock()

	if len(subscribers) > 0 {
		e.subMu.Lock()
		for id := range subscribers {
			if m, ok := e.bySubscriber[id]; ok {
				delete(m, key)
				if len(m) == 0 {
					delete(e.bySubscriber, id)
				}
			}
		}
		e.subMu.Unlock()
	}

	if notify && len(subscribers) > 0 && e.notify != nil {
		ids := make([]string, 0, len(subscribers))
		for id := range subscribers {
			ids = append(ids, id)
		}
		e.notify(key, ids)
	}
	return nil
}

// UnregisterConnection drops connID from every entry's subscriber set
// without removing the entries themselves, per a session closing.
func (e *Engine) UnregisterConnection(connID string) {
	e.subMu.Lock()
	keys := e.bySubscriber[connID]
	delete(e.bySubscriber, connID)
	e.subMu.Unlock()

	if len(keys) == 0 {
		return
	}
	st := e.st.Load()
	for key := range keys {
		v, ok := st.entries.Load(key)
		if !ok {
			continue
		}
		rec := v.(*entryRecord)
		rec.mu.Lock()
		delete(rec.subscribers, connID)
		rec.mu.Unlock()
	}
}

// Keys returns live, non-expired user-facing keys matching pattern
// (a regular expression; "" or "*" matches everything). When tags is
// non-empty the result is intersected with the union of those tags'
// key sets: the wire grammar allows `keys PATTERN -t TAG…` together,
// which §4.6 itself does not spell out the combination for (see
// DESIGN.md).
func (e *Engine) Keys(pattern string, tags []string) ([]string, error) {
	st := e.st.Load()
	matcher, err := buildMatcher(pattern)
	if err != nil {
		return nil, err
	}

	var tagSet map[string]struct{}
	if len(tags) > 0 {
		tagSet = make(map[string]struct{})
		for _, k := range st.tags.KeysOfAny(tags) {
			tagSet[k] = struct{}{}
		}
	}

	now := time.Now()
	var out []string
	st.entries.Range(func(k, v any) bool {
		key := k.(string)
		if intern.IsInternalKey(key) {
			return true
		}
		rec := v.(*entryRecord)
		rec.mu.Lock()
		expired := !rec.expiresAt.IsZero() && !rec.expiresAt.After(now)
		rec.mu.Unlock()
		if expired {
			return true
		}
		if !matcher(key) {
			return true
		}
		if tagSet != nil {
			if _, ok := tagSet[key]; !ok {
				return true
			}
		}
		out = append(out, key)
		return true
	})

	for _, key := range st.intern.Keys() {
		if !matcher(key) {
			continue
		}
		if tagSet != nil {
			if _, ok := tagSet[key]; !ok {
				continue
			}
		}
		out = append(out, key)
	}
	return out, nil
}

func buildMatcher(pattern string) (func(string) bool, error) {
	if pattern == "" || pattern == "*" {
		return func(string) bool { return true }, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, cacheerr.NewProtocolError("invalid key pattern %q: %v", pattern, err)
	}
	return re.MatchString, nil
}

// Clear discards every live entry, tag association, interned
// reference, and persisted record, installing a fresh empty state in
// their place. A failure to clear the persisted records is logged and
// counted like any other persistence error, not returned.
func (e *Engine) Clear() error {
	e.st.Store(newState())
	if err := e.persister.Clear(); err != nil {
		e.persistErrors.Add(1)
		if e.log != nil {
			e.log.Errorf("clear persister: %v", err)
		}
	}
	return nil
}

// Count returns the number of live user-facing keys, interned entries
// included, matching the count() contract in spec.md's glossary.
func (e *Engine) Count() int {
	st := e.st.Load()
	n := 0
	st.entries.Range(func(k, _ any) bool {
		if !intern.IsInternalKey(k.(string)) {
			n++
		}
		return true
	})
	return n + st.intern.Count()
}

// RestoreFromDisk replays every persisted record back into the engine.
// Records carry no expiration state, so every restored entry comes
// back with no expiration (interned records are re-interned), whatever
// absolute or sliding policy it had before the restart.
func (e *Engine) RestoreFromDisk() error {
	return e.persister.LoadAll(func(rec *persist.Record) {
		policy := protocol.Policy{Kind: protocol.PolicyNone}
		if rec.Interned {
			policy.Kind = protocol.PolicyInterned
		}
		if err := e.Add(rec.Key, rec.Value, policy, rec.Tag, false, ""); err != nil && e.log != nil {
			e.log.Warnf("restore key=%q: %v", rec.Key, err)
		}
	})
}

// Stats is a snapshot of the engine's maintenance counters, exposed to
// the host's /metrics handler.
type Stats struct {
	Evictions     int64
	Sweeps        int64
	PersistErrors int64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Evictions:     e.evictions.Load(),
		Sweeps:        e.sweeps.Load(),
		PersistErrors: e.persistErrors.Load(),
	}
}

func (e *Engine) enqueuePersist(rec *persist.Record) {
	if e.closed.Load() {
		return
	}
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		if err := e.persister.Persist(rec); err != nil {
			e.persistErrors.Add(1)
			if e.log != nil {
				e.log.Errorf("persist key=%q: %v", rec.Key, err)
			}
		}
	}()
}

func (e *Engine) enqueuePersistRemove(key string) {
	if e.closed.Load() {
		return
	}
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		if err := e.persister.Remove(key); err != nil {
			e.persistErrors.Add(1)
			if e.log != nil {
				e.log.Errorf("persist remove key=%q: %v", key, err)
			}
		}
	}()
}

// sweepLoop periodically removes expired entries, the same ticker
// pattern the teacher's cleanupExpiredKeys uses.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	st := e.st.Load()
	now := time.Now()

	var expired []string
	st.entries.Range(func(k, v any) bool {
		key := k.(string)
		if intern.IsInternalKey(key) {
			return true
		}
		rec := v.(*entryRecord)
		rec.mu.Lock()
		exp := !rec.expiresAt.IsZero() && !rec.expiresAt.After(now)
		rec.mu.Unlock()
		if exp {
			expired = append(expired, key)
		}
		return true
	})

	for _, key := range expired {
		_ = e.Remove(key)
	}
	if len(expired) > 0 {
		e.sweeps.Add(1)
		if e.log != nil {
			e.log.Debugf("swept %d expired keys", len(expired))
		}
	}
}

// pressureLoop periodically checks process memory usage against
// cfg.MemoryLimitPercent and evicts oldest-accessed non-interned
// entries until it is back under the limit.
func (e *Engine) pressureLoop() {
	defer e.wg.Done()
	if e.cfg.MemoryLimitPercent <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.PressureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.relievePressure()
		}
	}
}

func (e *Engine) relievePressure() {
	pct, err := processMemoryPercent()
	if err != nil {
		if e.log != nil {
			e.log.Warnf("memory pressure check failed: %v", err)
		}
		return
	}
	if pct < e.cfg.MemoryLimitPercent {
		return
	}

	st := e.st.Load()
	type candidate struct {
		key  string
		last time.Time
	}
	var candidates []candidate
	st.entries.Range(func(k, v any) bool {
		key := k.(string)
		if intern.IsInternalKey(key) {
			return true
		}
		rec := v.(*entryRecord)
		rec.mu.Lock()
		last := rec.lastAccess
		rec.mu.Unlock()
		candidates = append(candidates, candidate{key: key, last: last})
		return true
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	evicted := 0
	for _, c := range candidates {
		_ = e.Remove(c.key)
		evicted++
		e.evictions.Add(1)
		pct, err = processMemoryPercent()
		if err != nil || pct < e.cfg.MemoryLimitPercent {
			break
		}
	}
	if evicted > 0 && e.log != nil {
		e.log.Infof("evicted %d keys under memory pressure (%.1f%%)", evicted, pct)
	}
}
