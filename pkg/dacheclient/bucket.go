package dacheclient

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/haneytron/dache/internal/cacheerr"
	"github.com/haneytron/dache/internal/protocol"
)

// Bucket is one primary host connection plus its redundancy mirrors.
// Reads round-robin across whichever of primary+mirrors are currently
// online; writes fan out to all of them so every replica stays
// consistent for the cache's (non-quorum, best-effort) redundancy
// model.
type Bucket struct {
	conns   []*HostConnection // conns[0] is the primary
	rrIndex atomic.Uint64
}

// NewBucket wraps a primary and zero or more mirror connections.
func NewBucket(primary *HostConnection, mirrors ...*HostConnection) *Bucket {
	return &Bucket{conns: append([]*HostConnection{primary}, mirrors...)}
}

// Primary returns the bucket's primary connection.
func (b *Bucket) Primary() *HostConnection { return b.conns[0] }

// Online reports whether at least one of the bucket's connections is
// currently connected; the router skips buckets where this is false.
func (b *Bucket) Online() bool {
	for _, c := range b.conns {
		if c.IsOnline() {
			return true
		}
	}
	return false
}

// Read sends frame to one online connection in round-robin order,
// building a fresh frame with a matching correlation id per attempt
// since each HostConnection owns its own id space.
func (b *Bucket) Read(ctx context.Context, build func(corrID uint32) *protocol.Frame) (*protocol.Frame, error) {
	n := len(b.conns)
	start := int(b.rrIndex.Add(1)) % n
	for i := 0; i < n; i++ {
		c := b.conns[(start+i)%n]
		if !c.IsOnline() {
			continue
		}
		resp, err := c.Send(ctx, build(c.NextCorrelationID()))
		if err == nil {
			return resp, nil
		}
	}
	return nil, &cacheerr.TransportError{Endpoint: "bucket", Err: cacheerr.NewProtocolError("no online replica responded")}
}

// Write sends frame to every online connection in the bucket,
// returning the first successful reply (all are expected to apply the
// same write) and an error only if every replica failed. A host's
// "ERR ..." reply counts as a failure and surfaces as a ProtocolError.
func (b *Bucket) Write(ctx context.Context, build func(corrID uint32) *protocol.Frame) (*protocol.Frame, error) {
	var firstResp *protocol.Frame
	var firstErr error
	sent := 0
	for _, c := range b.conns {
		if !c.IsOnline() {
			continue
		}
		sent++
		resp, err := c.Send(ctx, build(c.NextCorrelationID()))
		if err == nil && strings.HasPrefix(string(resp.Payload), "ERR ") {
			err = cacheerr.NewProtocolError("%s", strings.TrimPrefix(string(resp.Payload), "ERR "))
		}
		if err != nil {
			firstErr = err
			continue
		}
		if firstResp == nil {
			firstResp = resp
		}
	}
	if sent == 0 {
		return nil, &cacheerr.TransportError{Endpoint: "bucket", Err: cacheerr.NewProtocolError("no online replica")}
	}
	if firstResp == nil {
		return nil, firstErr
	}
	return firstResp, nil
}
