// Package cache provides the best-effort, revision-keyed Redis cache.
//
// The cache is an accelerator, never a source of truth: every backend
// failure on read degrades to a miss and every failure on write is logged
// and swallowed. Invalidation is O(1) via per-tenant revision counters that
// are woven into entry keys, so bumping a revision orphans all prior
// entries without scanning.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// Revision kinds. Each kind has its own counter per (user, space) so a
// document upload invalidates text search without touching image search.
const (
	KindSemantic = "sem"
	KindLexical  = "fts"
	KindImage    = "img"
)

// Cache wraps a Redis client with revisioned keys and a circuit breaker.
type Cache struct {
	client  *redis.Client
	log     *logging.Logger
	breaker *breaker

	searchTTL    time.Duration
	synthesisTTL time.Duration
}

// New creates a Cache from config. The connection is not verified here;
// the breaker absorbs an unreachable backend.
func New(cfg config.RedisConfig, log *logging.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, log)
}

// NewWithClient creates a Cache over an existing client (used in tests).
func NewWithClient(client *redis.Client, cfg config.RedisConfig, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.NewNop()
	}
	return &Cache{
		client: client,
		log:    log.Named("cache"),
		breaker: &breaker{
			threshold: cfg.BreakerThreshold,
			cooldown:  cfg.BreakerCooldown.Duration(),
		},
		searchTTL:    cfg.SearchTTL.Duration(),
		synthesisTTL: cfg.SynthesisTTL.Duration(),
	}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SearchTTL returns the configured TTL for retrieval entries.
func (c *Cache) SearchTTL() time.Duration { return c.searchTTL }

// SynthesisTTL returns the configured TTL for synthesis entries.
func (c *Cache) SynthesisTTL() time.Duration { return c.synthesisTTL }

// GetJSON fetches key and unmarshals into dest. Returns false on miss,
// backend error, or decode error: the caller always has a working path.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	if !c.breaker.allow() {
		recordSkip()
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.breaker.recordFailure()
			recordError("get")
			c.log.Warn(ctx, "cache get failed", zap.String("key", key), zap.Error(err))
		} else {
			c.breaker.recordSuccess()
			recordMiss()
		}
		return false
	}
	c.breaker.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		recordError("decode")
		c.log.Warn(ctx, "cache entry undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	recordHit()
	return true
}

// SetJSON stores val under key with ttl. Failures are logged, never returned.
func (c *Cache) SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration) {
	if !c.breaker.allow() {
		recordSkip()
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		recordError("encode")
		c.log.Warn(ctx, "cache value unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.breaker.recordFailure()
		recordError("set")
		c.log.Warn(ctx, "cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.breaker.recordSuccess()
}

// Revision returns the current revision counter for kind in the caller's
// tenant scope. Absent counters read as 0; backend failure also reads 0 so
// lookups degrade to a stable (if stale-prone) key rather than erroring.
func (c *Cache) Revision(ctx context.Context, kind string) int64 {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return 0
	}
	if !c.breaker.allow() {
		recordSkip()
		return 0
	}
	rev, err := c.client.Get(ctx, revisionKey(kind, info)).Int64()
	if err != nil {
		if err != redis.Nil {
			c.breaker.recordFailure()
			recordError("revision")
		} else {
			c.breaker.recordSuccess()
		}
		return 0
	}
	c.breaker.recordSuccess()
	return rev
}

// BumpRevision increments the revision counters for the given kinds,
// invalidating every entry minted under the previous revisions.
func (c *Cache) BumpRevision(ctx context.Context, kinds ...string) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		c.log.Warn(ctx, "revision bump without tenant", zap.Error(err))
		return
	}
	if !c.breaker.allow() {
		recordSkip()
		return
	}
	for _, kind := range kinds {
		if err := c.client.Incr(ctx, revisionKey(kind, info)).Err(); err != nil {
			c.breaker.recordFailure()
			recordError("bump")
			c.log.Warn(ctx, "revision bump failed", zap.String("kind", kind), zap.Error(err))
			return
		}
	}
	c.breaker.recordSuccess()
}

func revisionKey(kind string, info *tenant.Info) string {
	return fmt.Sprintf("rev:%s:%d:%d", kind, info.UserID, info.SpaceID)
}

// SearchKey builds the entry key for a retrieval result set. The revision
// is read inside so callers never mint a key against a stale counter.
func (c *Cache) SearchKey(ctx context.Context, kind string, k int, query string) (string, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	rev := c.Revision(ctx, kind)
	return fmt.Sprintf("%s:%d:%d:%d:%d:%s", kind, rev, info.UserID, info.SpaceID, k, NormalizeQuery(query)), nil
}

// SynthesisKey builds the entry key for a synthesized answer. The
// fingerprint covers query, retrieved chunk identity, and context so any
// drift in the evidence produces a different key.
func (c *Cache) SynthesisKey(ctx context.Context, provider, mode string, k int, fingerprint ...string) (string, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(strings.Join(fingerprint, "|")))
	return fmt.Sprintf("rag:%s:%s:%d:%d:%d:%s",
		provider, mode, info.UserID, info.SpaceID, k, hex.EncodeToString(sum[:])), nil
}

var queryNormRe = regexp.MustCompile(`\s+`)

// NormalizeQuery lowercases and collapses whitespace so trivially different
// spellings of the same query share a cache entry.
func NormalizeQuery(q string) string {
	return queryNormRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(q)), " ")
}

// breaker is a consecutive-failure circuit breaker. After threshold
// failures, allow() returns false until cooldown elapses, then a single
// probe is let through.
type breaker struct {
	mu        sync.Mutex
	failures  int
	lastFail  time.Time
	threshold int
	cooldown  time.Duration
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if time.Since(b.lastFail) >= b.cooldown {
		// Half-open: permit one probe.
		b.failures = b.threshold - 1
		return true
	}
	return false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = time.Now()
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
