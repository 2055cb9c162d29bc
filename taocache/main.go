// Package taocache wraps a tao.Connection with a Redis read-through cache.
//
// TAO is, at heart, a cache in front of a relational store; this package
// supplies the caching tier for deployments where entity reads and edge
// counts dominate. EntGet and AssocCount results are served from Redis when
// present and filled on miss; every mutation invalidates the keys it could
// have staled. Caching is best-effort — a Redis failure degrades to the
// underlying store rather than surfacing to the caller.
package taocache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lemmego/tao"
)

// DefaultTTL bounds how long cached reads may go without revalidation.
const DefaultTTL = 5 * time.Minute

// CachedConnection decorates a tao.Connection with Redis caching. It
// implements tao.Connection itself, so it can be dropped in anywhere a
// store is expected, including under a SharedConnection.
type CachedConnection struct {
	inner  tao.Connection
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ tao.Connection = (*CachedConnection)(nil)

// Options configures a CachedConnection.
type Options struct {
	// TTL for cached values; DefaultTTL when zero.
	TTL time.Duration
	// Prefix namespaces this store's keys, so several stores can share
	// one Redis. Defaults to "tao".
	Prefix string
}

// New builds a CachedConnection over conn using the given Redis client.
func New(conn tao.Connection, client *redis.Client, opts Options) *CachedConnection {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = "tao"
	}
	return &CachedConnection{
		inner:  conn,
		client: client,
		ttl:    opts.TTL,
		prefix: opts.Prefix,
	}
}

// NewClient builds a Redis client from a tao.Config, following the same
// conventions as the SQL driver factories (host/port/password, pool sizes,
// Options["redis"] for timeouts).
func NewClient(config tao.Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
	}
	if config.Database != "" {
		if db, err := strconv.Atoi(config.Database); err == nil {
			opts.DB = db
		}
	}
	if config.MaxOpenConns > 0 {
		opts.PoolSize = config.MaxOpenConns
	}
	if config.MaxIdleConns > 0 {
		opts.MinIdleConns = config.MaxIdleConns
	}
	if options, ok := config.Options["redis"]; ok {
		if redisOpts, ok := options.(map[string]interface{}); ok {
			if dialTimeout, ok := redisOpts["dial_timeout"].(time.Duration); ok {
				opts.DialTimeout = dialTimeout
			}
			if readTimeout, ok := redisOpts["read_timeout"].(time.Duration); ok {
				opts.ReadTimeout = readTimeout
			}
			if writeTimeout, ok := redisOpts["write_timeout"].(time.Duration); ok {
				opts.WriteTimeout = writeTimeout
			}
		}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, tao.NewStorageError(err)
	}
	return client, nil
}

// =====================================
// Cache Keys and Values
// =====================================

func (c *CachedConnection) entKey(id tao.EntityID) string {
	return fmt.Sprintf("%s:ent:%d", c.prefix, id.Uint64())
}

func (c *CachedConnection) countKey(ty tao.AssocType, id1 tao.EntityID) string {
	return fmt.Sprintf("%s:assoccount:%d:%d", c.prefix, ty.Uint64(), id1.Uint64())
}

// countKeyPattern matches every cached count in this store's namespace,
// whatever the assoc type or originating entity. Used for the conservative
// flush on entity delete, where the set of affected counts isn't known
// without re-querying.
func (c *CachedConnection) countKeyPattern() string {
	return c.prefix + ":assoccount:*"
}

type cachedEnt struct {
	Type uint64 `json:"type"`
	Data []byte `json:"data"`
}

func (c *CachedConnection) dropKeys(ctx context.Context, keys ...string) {
	// Invalidation is fire-and-forget: a failed DEL only shortens the
	// cache's usefulness until the TTL expires.
	_ = c.client.Del(ctx, keys...).Err()
}

func (c *CachedConnection) dropCountsMatching(ctx context.Context, pattern string) {
	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	_ = c.client.Del(ctx, keys...).Err()
}

// =====================================
// Cached Reads
// =====================================

// EntGet serves the entity from Redis when cached, filling on miss.
func (c *CachedConnection) EntGet(ctx context.Context, id tao.EntityID) (tao.EntityType, []byte, error) {
	key := c.entKey(id)
	if blob, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var ent cachedEnt
		if err := json.Unmarshal(blob, &ent); err == nil {
			if ty, err := tao.EntityTypeFromUint64(ent.Type); err == nil {
				return ty, ent.Data, nil
			}
		}
		// Undecodable cache entries are dropped and refetched.
		c.dropKeys(ctx, key)
	}

	ty, data, err := c.inner.EntGet(ctx, id)
	if err != nil {
		return tao.EntityType{}, nil, err
	}
	if blob, err := json.Marshal(cachedEnt{Type: ty.Uint64(), Data: data}); err == nil {
		_ = c.client.Set(ctx, key, blob, c.ttl).Err()
	}
	return ty, data, nil
}

// AssocCount serves the count from Redis when cached, filling on miss.
func (c *CachedConnection) AssocCount(ctx context.Context, ty tao.AssocType, id1 tao.EntityID) (int, error) {
	key := c.countKey(ty, id1)
	if n, err := c.client.Get(ctx, key).Int(); err == nil {
		return n, nil
	}

	count, err := c.inner.AssocCount(ctx, ty, id1)
	if err != nil {
		return 0, err
	}
	_ = c.client.Set(ctx, key, count, c.ttl).Err()
	return count, nil
}

// =====================================
// Mutations (delegate, then invalidate on success)
// =====================================

func (c *CachedConnection) Initialize(ctx context.Context) error {
	return c.inner.Initialize(ctx)
}

func (c *CachedConnection) EntAdd(ctx context.Context, ty tao.EntityType, data []byte) (tao.EntityID, error) {
	return c.inner.EntAdd(ctx, ty, data)
}

func (c *CachedConnection) EntUpdate(ctx context.Context, id tao.EntityID, ty tao.EntityType, data []byte) (tao.EntityType, []byte, error) {
	tyBefore, dataBefore, err := c.inner.EntUpdate(ctx, id, ty, data)
	if err == nil {
		c.dropKeys(ctx, c.entKey(id))
	}
	return tyBefore, dataBefore, err
}

func (c *CachedConnection) EntDelete(ctx context.Context, id tao.EntityID) (tao.EntityType, []byte, error) {
	tyBefore, dataBefore, err := c.inner.EntDelete(ctx, id)
	// The cascade may have removed assocs of any type on either end, so
	// all cached counts are suspect. The entity key always goes; the
	// cleanup also ran when the entity itself was missing.
	c.dropKeys(ctx, c.entKey(id))
	c.dropCountsMatching(ctx, c.countKeyPattern())
	return tyBefore, dataBefore, err
}

func (c *CachedConnection) AssocAdd(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, data []byte) error {
	err := c.inner.AssocAdd(ctx, ty, id1, id2, data)
	if err == nil {
		c.dropKeys(ctx, c.countKey(ty, id1))
	}
	return err
}

func (c *CachedConnection) AssocDelete(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID) (tao.AssocStorage, error) {
	assoc, err := c.inner.AssocDelete(ctx, ty, id1, id2)
	if err == nil {
		c.dropKeys(ctx, c.countKey(ty, id1))
	}
	return assoc, err
}

func (c *CachedConnection) AssocChangeType(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, newTy tao.AssocType) (tao.AssocStorage, error) {
	assoc, err := c.inner.AssocChangeType(ctx, ty, id1, id2, newTy)
	if err == nil {
		c.dropKeys(ctx, c.countKey(ty, id1), c.countKey(newTy, id1))
	}
	return assoc, err
}

// =====================================
// Pass-Through Queries
// =====================================

func (c *CachedConnection) AssocGet(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, id2Set []tao.EntityID, high, low *time.Time) ([]tao.AssocStorage, error) {
	return c.inner.AssocGet(ctx, ty, id1, id2Set, high, low)
}

func (c *CachedConnection) AssocRange(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, after tao.AssocRangeAfter, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	return c.inner.AssocRange(ctx, ty, id1, after, limit)
}

func (c *CachedConnection) AssocTimeRange(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, high, low time.Time, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	return c.inner.AssocTimeRange(ctx, ty, id1, high, low, limit)
}

// Close closes the Redis client and then the underlying store.
func (c *CachedConnection) Close() error {
	cacheErr := c.client.Close()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return cacheErr
}
