package workorders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	trackingKeyPrefix = "metrocal:tracking:"
	// TrackingInvalidateChannel carries access keys whose cached view is stale.
	TrackingInvalidateChannel = "metrocal:tracking:invalidate"
)

// defaultLoadTimeout bounds a shared load, which runs detached from the
// caller that started it.
const defaultLoadTimeout = 5 * time.Second

// RedisTrackingCache keeps tracking views in process memory in front of Redis.
// Invalidations are broadcast so every replica drops its local copy.
//
// Each key carries a generation that Invalidate bumps. A load only keeps its
// result when the generation is unchanged once the write has landed, so a
// load that raced an invalidation never resurrects the old view.
type RedisTrackingCache struct {
	client      *redis.Client
	local       *gocache.Cache
	ttl         time.Duration
	loadTimeout time.Duration
	group       singleflight.Group

	genMu sync.Mutex
	// gens outlives any in-flight load; an expired entry reads as a change.
	gens *gocache.Cache
}

// NewTrackingCache builds the cache. A nil client disables the Redis tier.
func NewTrackingCache(client *redis.Client, ttl, localTTL time.Duration) *RedisTrackingCache {
	if localTTL <= 0 {
		localTTL = 15 * time.Second
	}
	genTTL := 4 * defaultLoadTimeout
	return &RedisTrackingCache{
		client:      client,
		local:       gocache.New(localTTL, 2*localTTL),
		ttl:         ttl,
		loadTimeout: defaultLoadTimeout,
		gens:        gocache.New(genTTL, 2*genTTL),
	}
}

type generation struct {
	n       uint64
	present bool
}

func (c *RedisTrackingCache) generation(accessKey string) generation {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	v, ok := c.gens.Get(accessKey)
	if !ok {
		return generation{}
	}
	return generation{n: v.(uint64), present: true}
}

func (c *RedisTrackingCache) bump(accessKey string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	var n uint64
	if v, ok := c.gens.Get(accessKey); ok {
		n = v.(uint64)
	}
	c.gens.SetDefault(accessKey, n+1)
}

// current reports whether no invalidation happened since gen was read.
func (c *RedisTrackingCache) current(accessKey string, gen generation) bool {
	return c.generation(accessKey) == gen
}

func trackingKey(accessKey string) string {
	return trackingKeyPrefix + accessKey
}

// Fetch returns the cached view or loads and stores it. Concurrent misses on
// the same key share one load.
func (c *RedisTrackingCache) Fetch(ctx context.Context, accessKey string, load func(context.Context) (*TrackingView, error)) (*TrackingView, error) {
	if load == nil {
		return nil, errors.New("tracking cache: loader required")
	}
	if v, ok := c.local.Get(accessKey); ok {
		view := v.(TrackingView)
		return &view, nil
	}

	resultChan := c.group.DoChan(accessKey, func() (interface{}, error) {
		// Waiters share this load, so one caller going away must not fail it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		gen := c.generation(accessKey)
		view, err := c.fetchRemote(loadCtx, accessKey, gen, load)
		if err != nil {
			return nil, err
		}
		if c.current(accessKey, gen) {
			c.local.SetDefault(accessKey, *view)
			if !c.current(accessKey, gen) {
				c.local.Delete(accessKey)
			}
		}
		return *view, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		view := res.Val.(TrackingView)
		return &view, nil
	}
}

func (c *RedisTrackingCache) fetchRemote(ctx context.Context, accessKey string, gen generation, load func(context.Context) (*TrackingView, error)) (*TrackingView, error) {
	if c.client == nil {
		return load(ctx)
	}
	key := trackingKey(accessKey)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var view TrackingView
		if err := json.Unmarshal(payload, &view); err == nil {
			return &view, nil
		}
	}
	// Any Redis failure falls through to the database.
	view, err := load(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	if !c.current(accessKey, gen) {
		return view, nil
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	// Invalidate bumps before it deletes, so a bump seen here means its
	// delete may already have run ahead of this write.
	if !c.current(accessKey, gen) {
		_ = c.client.Del(ctx, key).Err()
	}
	return view, nil
}

// Invalidate drops the entry locally and in Redis, then tells other replicas.
func (c *RedisTrackingCache) Invalidate(ctx context.Context, accessKey string) error {
	c.bump(accessKey)
	c.local.Delete(accessKey)
	c.group.Forget(accessKey)
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, trackingKey(accessKey)).Err(); err != nil {
		return fmt.Errorf("delete tracking key: %w", err)
	}
	if err := c.client.Publish(ctx, TrackingInvalidateChannel, accessKey).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// ListenForInvalidation subscribes to invalidation broadcasts until ctx ends.
// It returns once the subscription is confirmed.
func (c *RedisTrackingCache) ListenForInvalidation(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, TrackingInvalidateChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", TrackingInvalidateChannel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload != "" {
					c.bump(msg.Payload)
					c.local.Delete(msg.Payload)
				}
			}
		}
	}()
	return nil
}
