package dacheclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/haneytron/dache/internal/cacheerr"
	"github.com/haneytron/dache/internal/logging"
	"github.com/haneytron/dache/internal/protocol"
)

// ClientConfig configures the façade and the connections it owns.
type ClientConfig struct {
	CacheHosts        []string
	RedundancyLayers  int
	ReconnectInterval time.Duration
	CommTimeout       time.Duration
	SendQueueDepth    int
	MaxFrameSize      uint32
	RetryBound        int // max retries of a whole operation on TransportError
	OnExpire          ExpireHandler
	OnHostDisconnect  ConnEventHandler
	OnHostReconnect   ConnEventHandler
	Log               logging.Logger
}

// Client is the application-facing cache handle (C11): it owns one
// HostConnection per configured host, routes each call through the
// router to the right bucket, and retries a whole operation a bounded
// number of times if the first attempt hit a TransportError. This
// retry bound is not named in spec.md's component description for
// the façade but its error-handling design explicitly calls for one;
// see DESIGN.md.
type Client struct {
	conns  []*HostConnection
	router *Router

	retryBound   int
	retryLimiter *rate.Limiter
	log          logging.Logger
}

// NewClient builds the connections and router described by cfg and
// starts each connection's reconnect loop immediately.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RetryBound <= 0 {
		cfg.RetryBound = 3
	}

	conns := make([]*HostConnection, 0, len(cfg.CacheHosts))
	for _, addr := range cfg.CacheHosts {
		conns = append(conns, NewHostConnection(HostConnectionConfig{
			Addr:              addr,
			ReconnectInterval: cfg.ReconnectInterval,
			CommTimeout:       cfg.CommTimeout,
			SendQueueDepth:    cfg.SendQueueDepth,
			MaxFrameSize:      cfg.MaxFrameSize,
			OnExpire:          cfg.OnExpire,
			OnDisconnect:      cfg.OnHostDisconnect,
			OnReconnect:       cfg.OnHostReconnect,
			Log:               cfg.Log,
		}))
	}

	return &Client{
		conns:        conns,
		router:       NewRouter(conns, cfg.RedundancyLayers),
		retryBound:   cfg.RetryBound,
		retryLimiter: rate.NewLimiter(rate.Every(50*time.Millisecond), cfg.RetryBound+1),
		log:          cfg.Log,
	}
}

// Router exposes the façade's routing table, mainly for tests and
// diagnostics that need to observe bucket health directly.
func (c *Client) Router() *Router { return c.router }

// validateKey enforces §7's synchronous façade checks: a key must be
// non-empty and free of ASCII spaces, checked before any I/O.
func validateKey(key string) error {
	if key == "" {
		return &cacheerr.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if strings.ContainsRune(key, ' ') {
		return &cacheerr.ValidationError{Field: "key", Reason: "must not contain a space"}
	}
	return nil
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	return nil
}

func validateTag(tag string) error {
	if tag == "" {
		return nil
	}
	if strings.ContainsRune(tag, ' ') {
		return &cacheerr.ValidationError{Field: "tag", Reason: "must not contain a space"}
	}
	return nil
}

func validatePairs(pairs []protocol.KeyValue) error {
	for _, kv := range pairs {
		if err := validateKey(kv.Key); err != nil {
			return err
		}
		if len(kv.Value) == 0 {
			return &cacheerr.ValidationError{Field: "value", Reason: fmt.Sprintf("must not be empty for key %q", kv.Key)}
		}
	}
	return nil
}

// Close tears down every host connection.
func (c *Client) Close() {
	for _, conn := range c.conns {
		conn.Close()
	}
}

// withRetry runs op, retrying up to c.retryBound additional times if
// op's error is a TransportError or Busy (both signal a transient
// condition worth retrying); any other error is returned immediately.
// Before each retry it waits on the client-wide retry limiter (one
// token per 50ms, burst RetryBound+1); the wait does not grow with the
// attempt number.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryBound; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == c.retryBound {
			break
		}
		if err := c.retryLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	var transportErr *cacheerr.TransportError
	var busyErr *cacheerr.Busy
	return errors.As(err, &transportErr) || errors.As(err, &busyErr)
}

// Get fetches values for keys, returning them in the same order,
// splitting the request across buckets when keys route to more than
// one.
func (c *Client) Get(ctx context.Context, keys []string) ([][]byte, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	values := make([][]byte, len(keys))
	byBucket := make(map[*Bucket][]int)
	for i, key := range keys {
		b, err := c.router.BucketFor(key)
		if err != nil {
			return nil, err
		}
		byBucket[b] = append(byBucket[b], i)
	}

	for bucket, indices := range byBucket {
		bucket, indices := bucket, indices
		bucketKeys := make([]string, len(indices))
		for i, idx := range indices {
			bucketKeys[i] = keys[idx]
		}
		err := c.withRetry(ctx, func() error {
			resp, err := bucket.Read(ctx, func(corrID uint32) *protocol.Frame {
				return protocol.EncodeGet(corrID, bucketKeys)
			})
			if err != nil {
				return err
			}
			got, err := protocol.DecodeGetResponse(resp.Payload)
			if err != nil {
				return err
			}
			for i, idx := range indices {
				if i < len(got) {
					values[idx] = got[i]
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// GetByTag fetches every key matching pattern and carrying any of
// tags. It resolves the matching keys across every bucket first (via
// Keys, which is itself bucket-aware) and then fetches each one
// through the ordinary per-key Get path, rather than trusting a tag
// query's value order to line up with a separately issued keys query
// against a dataset that could change between the two calls.
func (c *Client) GetByTag(ctx context.Context, pattern string, tags []string) (map[string][]byte, error) {
	if err := validateKeys(tags); err != nil {
		return nil, err
	}
	keys, err := c.Keys(ctx, pattern, tags)
	if err != nil {
		return nil, err
	}
	values, err := c.Get(ctx, keys)
	if err != nil {
		return nil, err
	}
	results := make(map[string][]byte, len(keys))
	for i, k := range keys {
		if values[i] != nil {
			results[k] = values[i]
		}
	}
	return results, nil
}

// Set writes pairs under policy/tag/notify, splitting the batch across
// buckets and writing each sub-batch to every replica in its bucket.
func (c *Client) Set(ctx context.Context, pairs []protocol.KeyValue, policy protocol.Policy, tag string, notify bool) error {
	if err := validatePairs(pairs); err != nil {
		return err
	}
	if err := validateTag(tag); err != nil {
		return err
	}
	byBucket := make(map[*Bucket][]protocol.KeyValue)
	for _, kv := range pairs {
		b, err := c.router.BucketFor(kv.Key)
		if err != nil {
			return err
		}
		byBucket[b] = append(byBucket[b], kv)
	}

	for bucket, bucketPairs := range byBucket {
		bucket, bucketPairs := bucket, bucketPairs
		err := c.withRetry(ctx, func() error {
			_, err := bucket.Write(ctx, func(corrID uint32) *protocol.Frame {
				frame, ferr := protocol.EncodeSet(corrID, &protocol.SetCommand{
					Policy: policy,
					Notify: notify,
					Tag:    tag,
					Pairs:  bucketPairs,
				})
				if ferr != nil {
					// EncodeSet only fails on malformed input, which
					// withRetry cannot fix by retrying; surface it via
					// a frame the bucket will never successfully send
					// is not an option, so build() has no error return
					// and we fall back to an opaque frame that the
					// host will reject, making the failure visible
					// through the host's ERR reply instead.
					return &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: corrID, Payload: []byte("set")}
				}
				return frame
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Del removes keys, splitting across buckets the same way Set does.
func (c *Client) Del(ctx context.Context, keys []string) error {
	if err := validateKeys(keys); err != nil {
		return err
	}
	byBucket := make(map[*Bucket][]string)
	for _, key := range keys {
		b, err := c.router.BucketFor(key)
		if err != nil {
			return err
		}
		byBucket[b] = append(byBucket[b], key)
	}

	for bucket, bucketKeys := range byBucket {
		bucket, bucketKeys := bucket, bucketKeys
		err := c.withRetry(ctx, func() error {
			_, err := bucket.Write(ctx, func(corrID uint32) *protocol.Frame {
				return protocol.EncodeDel(corrID, bucketKeys)
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DelByTag removes every key matching pattern and carrying any of
// tags, across every bucket.
func (c *Client) DelByTag(ctx context.Context, pattern string, tags []string) error {
	if err := validateKeys(tags); err != nil {
		return err
	}
	for _, bucket := range c.router.Buckets() {
		if !bucket.Online() {
			continue
		}
		bucket := bucket
		err := c.withRetry(ctx, func() error {
			_, err := bucket.Write(ctx, func(corrID uint32) *protocol.Frame {
				return protocol.EncodeDelByTag(corrID, pattern, tags)
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Keys lists every key matching pattern and, if tags is non-empty,
// carrying one of them, merged across every online bucket.
func (c *Client) Keys(ctx context.Context, pattern string, tags []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, bucket := range c.router.Buckets() {
		if !bucket.Online() {
			continue
		}
		bucket := bucket
		err := c.withRetry(ctx, func() error {
			resp, err := bucket.Read(ctx, func(corrID uint32) *protocol.Frame {
				return protocol.EncodeKeys(corrID, pattern, tags)
			})
			if err != nil {
				return err
			}
			for _, k := range protocol.DecodeKeysResponse(resp.Payload) {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					out = append(out, k)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Clear resets every bucket's host, used mainly by tests and
// operational tooling.
func (c *Client) Clear(ctx context.Context) error {
	for _, bucket := range c.router.Buckets() {
		bucket := bucket
		err := c.withRetry(ctx, func() error {
			_, err := bucket.Write(ctx, func(corrID uint32) *protocol.Frame {
				return protocol.EncodeClear(corrID)
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
