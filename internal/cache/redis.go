package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recentCap bounds how many cache-entry keys the recency sorted set keeps
// around; Lookup only ever scans the newest MaxScanEntries of these.
const recentCap = 1000

// redisCache stores response entries as JSON-encoded values addressed by an
// exact-match hash, with a recency sorted set driving the bounded
// similarity fallback scan, since Redis has no native vector similarity
// command in the clients used across this pack. Grounded on the
// ResponseCache backend use of github.com/redis/go-redis/v9 seen in the
// wider example pack (Hola-to-network_logistics_problem, jordigilh-kubernaut).
type redisCache struct {
	client    *redis.Client
	threshold float64
	keyPrefix string
}

// NewRedisCache connects to addr/db with the given password (empty if
// none) and similarity threshold above which a Lookup counts as a hit.
func NewRedisCache(addr, password string, db int, threshold float64) Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &redisCache{client: client, threshold: threshold, keyPrefix: "seraph:cache:"}
}

type storedEntry struct {
	Key       string            `json:"key"`
	Hash      string            `json:"hash"`
	Response  string            `json:"response"`
	Embedding []float64         `json:"embedding"`
	Tokens    int               `json:"tokens"`
	StoredAt  time.Time         `json:"storedAt"`
	Hits      int               `json:"hits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c *redisCache) exactKey(hash string) string {
	return c.keyPrefix + "exact:" + hash
}

func (c *redisCache) recentSetKey() string {
	return c.keyPrefix + "recent"
}

func (c *redisCache) Store(ctx context.Context, entry Entry, ttl time.Duration) error {
	if entry.Hash == "" {
		entry.Hash = HashText(entry.Key)
	}
	payload, err := json.Marshal(storedEntry{
		Key:       entry.Key,
		Hash:      entry.Hash,
		Response:  entry.Response,
		Embedding: entry.Embedding,
		Tokens:    entry.Tokens,
		StoredAt:  entry.StoredAt,
		Hits:      entry.Hits,
		Metadata:  entry.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	key := c.exactKey(entry.Hash)
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := c.client.ZAdd(ctx, c.recentSetKey(), redis.Z{Score: float64(entry.StoredAt.Unix()), Member: key}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	// Trim the recency index to recentCap entries: ZREMRANGEBYRANK with a
	// negative stop keeps only the newest recentCap members.
	c.client.ZRemRangeByRank(ctx, c.recentSetKey(), 0, -(recentCap + 1))
	return nil
}

// Lookup tries an exact hash hit first (spec §4.4 lookup order step (a)),
// then falls back to a bounded scan of the MaxScanEntries most recently
// stored entries compared by cosine similarity (step (b)), rather than
// walking the entire keyspace.
func (c *redisCache) Lookup(ctx context.Context, hash string, embedding []float64) (Entry, bool, error) {
	if hash != "" {
		if hit, ok, err := c.getAndBumpHits(ctx, c.exactKey(hash)); err != nil {
			return Entry{}, false, err
		} else if ok {
			return hit, true, nil
		}
	}

	keys, err := c.client.ZRevRange(ctx, c.recentSetKey(), 0, MaxScanEntries-1).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis zrevrange: %w", err)
	}

	var bestKey string
	bestScore := 0.0
	found := false

	for _, key := range keys {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
		}

		var se storedEntry
		if err := json.Unmarshal(raw, &se); err != nil {
			continue
		}

		score := CosineSimilarity(embedding, se.Embedding)
		if score > bestScore {
			bestScore = score
			bestKey = key
			found = true
		}
	}

	if !found || bestScore < c.threshold {
		return Entry{}, false, nil
	}
	return c.getAndBumpHits(ctx, bestKey)
}

func (c *redisCache) getAndBumpHits(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var se storedEntry
	if err := json.Unmarshal(raw, &se); err != nil {
		return Entry{}, false, nil
	}

	se.Hits++
	if updated, err := json.Marshal(se); err == nil {
		c.client.Set(ctx, key, updated, redis.KeepTTL)
	}

	return Entry{
		Key: se.Key, Hash: se.Hash, Response: se.Response, Embedding: se.Embedding,
		Tokens: se.Tokens, StoredAt: se.StoredAt, Hits: se.Hits, Metadata: se.Metadata,
	}, true, nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// --- Memory extension ---

func (c *redisCache) incidentsKey() string { return c.keyPrefix + "incidents" }
func (c *redisCache) patternsKey() string  { return c.keyPrefix + "patterns" }
func (c *redisCache) sessionKey(sessionID, key string) string {
	return c.keyPrefix + "session:" + sessionID + ":" + key
}

func (c *redisCache) RecordIncident(ctx context.Context, dedupKey string, ts time.Time, maxIncidents int) error {
	member := fmt.Sprintf("%d:%s", ts.UnixNano(), dedupKey)
	if err := c.client.ZAdd(ctx, c.incidentsKey(), redis.Z{Score: float64(ts.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd incident: %w", err)
	}
	if maxIncidents > 0 {
		c.client.ZRemRangeByRank(ctx, c.incidentsKey(), 0, -(maxIncidents + 1))
	}
	return nil
}

func (c *redisCache) RecentIncidents(ctx context.Context, limit int) ([]string, error) {
	members, err := c.client.ZRevRange(ctx, c.incidentsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange incidents: %w", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if idx := strings.IndexByte(m, ':'); idx != -1 {
			out = append(out, m[idx+1:])
		} else {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *redisCache) RecordPattern(ctx context.Context, signature string) error {
	return c.client.HIncrBy(ctx, c.patternsKey(), signature, 1).Err()
}

func (c *redisCache) PatternFrequency(ctx context.Context, signature string) (int, error) {
	v, err := c.client.HGet(ctx, c.patternsKey(), signature).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget pattern: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *redisCache) SetSession(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.sessionKey(sessionID, key), value, ttl).Err()
}

func (c *redisCache) GetSession(ctx context.Context, sessionID, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.sessionKey(sessionID, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get session: %w", err)
	}
	return v, true, nil
}

// noopCache is the null-object implementation spec §9's Design Notes call
// for when caching is disabled: every lookup misses, every store is a
// no-op.
type noopCache struct{}

// NewNoop returns a Cache that never hits, satisfying the interface when
// Config.LLMCache.Enabled is false.
func NewNoop() Cache { return noopCache{} }

func (noopCache) Lookup(context.Context, string, []float64) (Entry, bool, error) { return Entry{}, false, nil }
func (noopCache) Store(context.Context, Entry, time.Duration) error              { return nil }
func (noopCache) Close() error                                                   { return nil }

func (noopCache) RecordIncident(context.Context, string, time.Time, int) error { return nil }
func (noopCache) RecentIncidents(context.Context, int) ([]string, error)       { return nil, nil }
func (noopCache) RecordPattern(context.Context, string) error                  { return nil }
func (noopCache) PatternFrequency(context.Context, string) (int, error)        { return 0, nil }
func (noopCache) SetSession(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (noopCache) GetSession(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
