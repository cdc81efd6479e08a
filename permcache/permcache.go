// Package permcache caches computed permission sets in a two-level
// arrangement: a small in-process LRU in front of the shared key-value
// store. Entries may carry tags; invalidating a tag removes every entry
// bearing it in one atomic store operation. Reads degrade to a miss when
// the store is unavailable and writes fail silently, so callers always
// recompute rather than error.
package permcache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rosterlab/rosterd/kv"
)

const (
	// RoleTTL and UserTTL bound how long computed sets serve without
	// recomputation. Role grants change rarely; user grants daily.
	RoleTTL = 24 * time.Hour
	UserTTL = time.Hour

	// l1Size bounds the in-process LRU.
	l1Size = 512

	// l1TTL bounds staleness when another node invalidates an entry this
	// node still holds in its L1.
	l1TTL = time.Minute

	rolePrefix = "perm:role:"
	userPrefix = "perm:user:"
	tagPrefix  = "perm:tag:"

	storeTimeout = 5 * time.Second
)

// invalidateTagScript deletes every key in a tag set together with the
// set itself, returning the deleted keys so callers can drop them from
// their L1.
const invalidateTagScript = `
local members = redis.call('SMEMBERS', KEYS[1])
for i = 1, #members do
  redis.call('DEL', members[i])
end
redis.call('DEL', KEYS[1])
return members
`

// RegisterScripts installs the native twins of the cache's Eval scripts
// on an in-memory store.
func RegisterScripts(m *kv.Mem) {
	m.RegisterScript(invalidateTagScript, func(m *kv.Mem, _ time.Time, keys []string, _ []any) (any, error) {
		tag := m.LockedSet(keys[0])
		members := make([]string, 0, len(tag))
		for member := range tag {
			members = append(members, member)
		}
		sort.Strings(members)
		for _, member := range members {
			m.LockedDel(member)
		}
		m.LockedDel(keys[0])
		out := make([]any, len(members))
		for i, member := range members {
			out[i] = member
		}
		return out, nil
	})
}

type l1Entry struct {
	perms   []string
	expires time.Time
}

// Cache is the two-level permission cache.
type Cache struct {
	logger hclog.Logger
	store  kv.Store
	l1     *lru.Cache[string, l1Entry]
	nowFn  func() time.Time
}

// New builds a cache over the store.
func New(logger hclog.Logger, store kv.Store) (*Cache, error) {
	l1, err := lru.New[string, l1Entry](l1Size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		logger: logger.Named("permcache"),
		store:  store,
		l1:     l1,
		nowFn:  time.Now,
	}, nil
}

// GetRole returns the cached permission set for a role, or miss.
func (c *Cache) GetRole(ctx context.Context, role string) ([]string, bool) {
	return c.get(ctx, rolePrefix+role)
}

// GetUser returns the cached permission set for a user, or miss.
func (c *Cache) GetUser(ctx context.Context, userID string) ([]string, bool) {
	return c.get(ctx, userPrefix+userID)
}

// SetRole caches a role's permission set under the role TTL.
func (c *Cache) SetRole(ctx context.Context, role string, perms []string, tags ...string) {
	c.set(ctx, rolePrefix+role, perms, RoleTTL, tags)
}

// SetUser caches a user's permission set under the user TTL.
func (c *Cache) SetUser(ctx context.Context, userID string, perms []string, tags ...string) {
	c.set(ctx, userPrefix+userID, perms, UserTTL, tags)
}

// InvalidateRole drops one role entry.
func (c *Cache) InvalidateRole(ctx context.Context, role string) {
	c.invalidateKey(ctx, rolePrefix+role)
}

// InvalidateUser drops one user entry.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	c.invalidateKey(ctx, userPrefix+userID)
}

// InvalidateTag atomically drops every entry bearing the tag along with
// the tag set itself.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	res, err := c.store.Eval(ctx, invalidateTagScript, []string{tagPrefix + tag})
	if err != nil {
		// The entries still age out through their TTLs.
		c.logger.Warn("tag invalidation failed", "tag", tag, "error", err)
		metrics.IncrCounter([]string{"perm_cache", "store_error"}, 1)
		c.l1.Purge()
		return
	}

	members, _ := res.([]any)
	for _, member := range members {
		if key, ok := member.(string); ok {
			c.l1.Remove(key)
		}
	}
	metrics.IncrCounter([]string{"perm_cache", "invalidate", "tag"}, 1)
	c.logger.Debug("tag invalidated", "tag", tag, "entries", len(members))
}

func (c *Cache) get(ctx context.Context, key string) ([]string, bool) {
	if ent, ok := c.l1.Get(key); ok {
		if c.nowFn().Before(ent.expires) {
			metrics.IncrCounterWithLabels([]string{"perm_cache", "hit"}, 1,
				[]metrics.Label{{Name: "level", Value: "l1"}})
			return ent.perms, true
		}
		c.l1.Remove(key)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if err != kv.ErrNil {
			c.logger.Debug("store read failed, treating as miss", "key", key, "error", err)
			metrics.IncrCounter([]string{"perm_cache", "store_error"}, 1)
		}
		metrics.IncrCounter([]string{"perm_cache", "miss"}, 1)
		return nil, false
	}

	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		c.logger.Warn("corrupt cache entry, treating as miss", "key", key, "error", err)
		metrics.IncrCounter([]string{"perm_cache", "miss"}, 1)
		return nil, false
	}

	c.l1.Add(key, l1Entry{perms: perms, expires: c.nowFn().Add(l1TTL)})
	metrics.IncrCounterWithLabels([]string{"perm_cache", "hit"}, 1,
		[]metrics.Label{{Name: "level", Value: "store"}})
	return perms, true
}

func (c *Cache) set(ctx context.Context, key string, perms []string, ttl time.Duration, tags []string) {
	sorted := append([]string(nil), perms...)
	sort.Strings(sorted)
	raw, err := json.Marshal(sorted)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := c.store.SetEx(ctx, key, ttl, string(raw)); err != nil {
		c.logger.Debug("store write failed", "key", key, "error", err)
		metrics.IncrCounter([]string{"perm_cache", "store_error"}, 1)
		return
	}
	for _, tag := range tags {
		tagKey := tagPrefix + tag
		if err := c.store.SAdd(ctx, tagKey, key); err != nil {
			c.logger.Debug("tag write failed", "tag", tag, "error", err)
			continue
		}
		// Tag sets outlive their newest member at most by the role TTL.
		c.store.Expire(ctx, tagKey, RoleTTL)
	}

	c.l1.Add(key, l1Entry{perms: sorted, expires: c.nowFn().Add(l1TTL)})
}

func (c *Cache) invalidateKey(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	c.l1.Remove(key)
	if err := c.store.Del(ctx, key); err != nil {
		c.logger.Warn("key invalidation failed", "key", key, "error", err)
		metrics.IncrCounter([]string{"perm_cache", "store_error"}, 1)
		return
	}
	metrics.IncrCounter([]string{"perm_cache", "invalidate", "key"}, 1)
}
