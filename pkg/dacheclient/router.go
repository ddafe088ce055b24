package dacheclient

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/haneytron/dache/internal/cacheerr"
)

// Router holds the ordered set of buckets a client distributes keys
// across, picking a bucket deterministically from a key's hash so
// every client in the fleet routes the same key to the same bucket
// without coordination.
type Router struct {
	buckets []*Bucket
}

// NewRouter builds a router from host addresses grouped into buckets
// of size redundancyLayers+1 (primary plus redundancyLayers mirrors;
// the last, possibly short, group still forms its own bucket).
// redundancyLayers=0 therefore yields one host per bucket, per spec
// §6. Buckets are ordered by their primary's address so two clients
// given the same host list produce the same routing table.
func NewRouter(conns []*HostConnection, redundancyLayers int) *Router {
	if redundancyLayers < 0 {
		redundancyLayers = 0
	}
	bucketSize := redundancyLayers + 1

	ordered := make([]*HostConnection, len(conns))
	copy(ordered, conns)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Addr() < ordered[j].Addr() })

	var buckets []*Bucket
	for i := 0; i < len(ordered); i += bucketSize {
		end := i + bucketSize
		if end > len(ordered) {
			end = len(ordered)
		}
		buckets = append(buckets, NewBucket(ordered[i], ordered[i+1:end]...))
	}
	return &Router{buckets: buckets}
}

// Buckets returns the router's full bucket list, primarily for tests
// and diagnostics.
func (r *Router) Buckets() []*Bucket { return r.buckets }

// BucketFor deterministically selects the bucket for key, skipping
// offline buckets the way spec.md's redundancy model requires: the
// index is the key's hash modulo the number of *online* buckets, not
// the total, so a host outage redistributes load among survivors
// instead of returning NoHostsAvailable for keys that happen to map to
// the down bucket.
func (r *Router) BucketFor(key string) (*Bucket, error) {
	var online []*Bucket
	for _, b := range r.buckets {
		if b.Online() {
			online = append(online, b)
		}
	}
	if len(online) == 0 {
		return nil, &cacheerr.NoHostsAvailable{Key: key}
	}
	h := xxhash.Sum64String(key)
	idx := h % uint64(len(online))
	return online[idx], nil
}
