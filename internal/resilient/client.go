// Package resilient wraps the Redis cache/queue boundary with a circuit
// breaker and a local fallback buffer so an outage degrades writes instead
// of failing them.
package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// transport is the raw Redis surface the Client needs. Narrowed to an
// interface so breaker behavior is testable without a server.
type transport interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	RPush(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
}

type redisTransport struct {
	rdb *redis.Client
}

func (t *redisTransport) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return t.rdb.Set(ctx, key, value, ttl).Err()
}

func (t *redisTransport) Get(ctx context.Context, key string) (string, error) {
	return t.rdb.Get(ctx, key).Result()
}

func (t *redisTransport) RPush(ctx context.Context, key, value string) error {
	return t.rdb.RPush(ctx, key, value).Err()
}

func (t *redisTransport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// Options configures the Client.
type Options struct {
	Addr     string
	Password string
	DB       int

	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker; BreakerCooldown is how long it stays open before a single
	// probe is allowed through.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	// KeepaliveInterval spaces the background pings that drive breaker
	// recovery even when no caller traffic arrives.
	KeepaliveInterval time.Duration

	// FallbackTTL bounds how long buffered mutations are kept.
	FallbackTTL time.Duration
}

// Health is a point-in-time snapshot of the client.
type Health struct {
	State    string `json:"state"`
	Buffered int    `json:"buffered"`
}

// Client implements pipeline.CacheClient over Redis. While the breaker is
// open, Set and PublishProgress land in a local buffer that is flushed when
// connectivity returns; Get fails fast with a ConnectionError.
type Client struct {
	transport transport
	breaker   *gobreaker.CircuitBreaker[string]
	buffer    *bigcache.BigCache
	logger    *zap.Logger

	seqMu sync.Mutex
	seqs  map[string]int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New connects a Client to Redis. The connection is lazy: a dead Redis at
// startup leaves the client in buffering mode rather than failing.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newWithTransport(&redisTransport{rdb: rdb}, opts, logger)
}

func newWithTransport(t transport, opts Options, logger *zap.Logger) (*Client, error) {
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 15 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	if opts.FallbackTTL == 0 {
		opts.FallbackTTL = 30 * time.Minute
	}

	bufCfg := bigcache.DefaultConfig(opts.FallbackTTL)
	bufCfg.OnRemoveWithReason = func(key string, _ []byte, reason bigcache.RemoveReason) {
		// Deletes are the replay path, only age-outs lose data.
		if reason == bigcache.Expired || reason == bigcache.NoSpace {
			logger.Warn("dropping buffered cache mutation",
				zap.String("key", key), zap.String("reason", removeReason(reason)))
		}
	}
	buffer, err := bigcache.New(context.Background(), bufCfg)
	if err != nil {
		return nil, fmt.Errorf("fallback buffer: %w", err)
	}

	c := &Client{
		transport: t,
		buffer:    buffer,
		logger:    logger,
		seqs:      make(map[string]int64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Info("cache breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateClosed {
				go c.flush()
			}
		},
	})

	go c.keepalive(opts.KeepaliveInterval)
	return c, nil
}

// Close stops the keepalive loop and releases the buffer.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return c.buffer.Close()
}

// Set writes a key through the breaker, buffering it when Redis is down.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.breaker.Execute(func() (string, error) {
		return "", c.transport.Set(ctx, key, value, ttl)
	})
	if err == nil {
		return nil
	}
	if bufErr := c.bufferSet(key, value, ttl); bufErr != nil {
		return &pipeline.ConnectionError{Op: "set", Err: errors.Join(err, bufErr)}
	}
	c.logger.Debug("buffered set while cache unavailable", zap.String("key", key))
	return nil
}

// Get reads a key. ErrNotFound maps a missing key; any transport or open
// breaker failure is a ConnectionError, since reads cannot be buffered.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.breaker.Execute(func() (string, error) {
		return c.transport.Get(ctx, key)
	})
	switch {
	case err == nil:
		return val, nil
	case errors.Is(err, redis.Nil):
		return "", pipeline.ErrNotFound
	default:
		return "", &pipeline.ConnectionError{Op: "get", Err: err}
	}
}

// PublishProgress appends a progress delta to the job's queue, assigning a
// per-job monotonic sequence number so consumers can drop stale deltas.
func (c *Client) PublishProgress(ctx context.Context, jobID string, delta pipeline.ProgressDelta) error {
	delta.JobID = jobID
	delta.Seq = c.nextSeq(jobID)

	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("marshal progress delta: %w", err)
	}
	queue := progressKey(jobID)

	_, err = c.breaker.Execute(func() (string, error) {
		return "", c.transport.RPush(ctx, queue, string(payload))
	})
	if err == nil {
		return nil
	}
	if bufErr := c.bufferPush(queue, delta.Seq, string(payload)); bufErr != nil {
		return &pipeline.ConnectionError{Op: "publish_progress", Err: errors.Join(err, bufErr)}
	}
	return nil
}

// PingKeepalive probes the connection through the breaker.
func (c *Client) PingKeepalive(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (string, error) {
		return "", c.transport.Ping(ctx)
	})
	if err != nil {
		return &pipeline.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Health reports breaker state and buffered mutation count.
func (c *Client) Health() Health {
	return Health{
		State:    c.breaker.State().String(),
		Buffered: c.buffer.Len(),
	}
}

func (c *Client) nextSeq(jobID string) int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seqs[jobID]++
	return c.seqs[jobID]
}

func progressKey(jobID string) string {
	return "quarry:progress:" + jobID
}

type bufferedOp struct {
	Kind  string        `json:"kind"`
	Key   string        `json:"key"`
	Value string        `json:"value"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

func (c *Client) bufferSet(key, value string, ttl time.Duration) error {
	op := bufferedOp{Kind: "set", Key: key, Value: value, TTL: ttl}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return c.buffer.Set("set:"+key, payload)
}

func (c *Client) bufferPush(queue string, seq int64, value string) error {
	op := bufferedOp{Kind: "push", Key: queue, Value: value}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return c.buffer.Set(fmt.Sprintf("push:%s:%d", queue, seq), payload)
}

// flush replays buffered mutations after the breaker closes. Pushes replay
// in ascending sequence order per queue, since progress consumers drop
// anything at or below the last sequence they have seen. A replay failure
// reopens the degraded path and the remaining entries stay buffered.
func (c *Client) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type pending struct {
		bufKey string
		op     bufferedOp
		seq    int64
	}
	var sets, pushes []pending
	it := c.buffer.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		var op bufferedOp
		if err := json.Unmarshal(entry.Value(), &op); err != nil {
			_ = c.buffer.Delete(entry.Key())
			continue
		}
		switch op.Kind {
		case "set":
			sets = append(sets, pending{bufKey: entry.Key(), op: op})
		case "push":
			pushes = append(pushes, pending{bufKey: entry.Key(), op: op, seq: pushSeq(entry.Key())})
		default:
			_ = c.buffer.Delete(entry.Key())
		}
	}

	sort.Slice(pushes, func(i, j int) bool {
		if pushes[i].op.Key != pushes[j].op.Key {
			return pushes[i].op.Key < pushes[j].op.Key
		}
		return pushes[i].seq < pushes[j].seq
	})

	replayed := 0
	replay := func(p pending) bool {
		var err error
		switch p.op.Kind {
		case "set":
			err = c.transport.Set(ctx, p.op.Key, p.op.Value, p.op.TTL)
		case "push":
			err = c.transport.RPush(ctx, p.op.Key, p.op.Value)
		}
		if err != nil {
			c.logger.Warn("flush interrupted, keeping remaining buffer",
				zap.Int("replayed", replayed), zap.Error(err))
			return false
		}
		_ = c.buffer.Delete(p.bufKey)
		replayed++
		return true
	}
	for _, p := range sets {
		if !replay(p) {
			return
		}
	}
	for _, p := range pushes {
		if !replay(p) {
			return
		}
	}
	if replayed > 0 {
		c.logger.Info("flushed buffered cache mutations", zap.Int("replayed", replayed))
	}
}

// pushSeq extracts the sequence suffix from a "push:<queue>:<seq>" buffer key.
func pushSeq(bufferKey string) int64 {
	i := strings.LastIndexByte(bufferKey, ':')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(bufferKey[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func removeReason(r bigcache.RemoveReason) string {
	switch r {
	case bigcache.Expired:
		return "expired"
	case bigcache.NoSpace:
		return "no_space"
	case bigcache.Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

func (c *Client) keepalive(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.PingKeepalive(ctx)
			cancel()
			if err != nil && !isBreakerOpen(err) {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
			}
		}
	}
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		strings.Contains(err.Error(), gobreaker.ErrOpenState.Error())
}
