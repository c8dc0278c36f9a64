package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

const (
	defaultMemorySize = 256
	defaultCacheTTL   = 10 * time.Minute
)

// cachedEntry wraps cached metadata with its expiry
type cachedEntry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache is a two-tier metadata cache: an in-process LRU in front of an
// optional Redis instance shared between server replicas.
type Cache struct {
	memory     *lru.Cache[string, cachedEntry]
	redis      *redis.Client
	defaultTTL time.Duration
	logger     *logrus.Logger
}

// NewCache creates a cache from configuration. An empty Redis URL keeps
// the cache in memory only.
func NewCache(config domain.CacheConfig, logger *logrus.Logger) (*Cache, error) {
	c, err := newMemoryCache(config.MemorySize, config.DefaultTTL, logger)
	if err != nil {
		return nil, err
	}
	if config.RedisURL == "" {
		return c, nil
	}

	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.redis = client
	return c, nil
}

// NewMemoryCache creates an in-process cache only.
func NewMemoryCache(size int, ttl time.Duration, logger *logrus.Logger) *Cache {
	c, err := newMemoryCache(size, ttl, logger)
	if err != nil {
		// lru.New only fails for non-positive sizes, which newMemoryCache prevents.
		panic(err)
	}
	return c
}

func newMemoryCache(size int, ttl time.Duration, logger *logrus.Logger) (*Cache, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	memory, err := lru.New[string, cachedEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Cache{memory: memory, defaultTTL: ttl, logger: logger}, nil
}

// GetStudy returns a cached study.
func (c *Cache) GetStudy(ctx context.Context, studyUID string) (*domain.Study, bool) {
	var study domain.Study
	if !c.get(ctx, studyKey(studyUID), &study) {
		return nil, false
	}
	return &study, true
}

// SetStudy caches a study.
func (c *Cache) SetStudy(ctx context.Context, study *domain.Study) {
	c.set(ctx, studyKey(study.StudyInstanceUID), study)
}

// GetPriors returns cached prior studies for a patient.
func (c *Cache) GetPriors(ctx context.Context, patientID, excludeUID string, limit int) ([]domain.Study, bool) {
	var priors []domain.Study
	if !c.get(ctx, priorsKey(patientID, excludeUID, limit), &priors) {
		return nil, false
	}
	return priors, true
}

// SetPriors caches prior studies for a patient.
func (c *Cache) SetPriors(ctx context.Context, patientID, excludeUID string, limit int, priors []domain.Study) {
	c.set(ctx, priorsKey(patientID, excludeUID, limit), priors)
}

// InvalidateStudy drops a cached study.
func (c *Cache) InvalidateStudy(ctx context.Context, studyUID string) error {
	key := studyKey(studyUID)
	c.memory.Remove(key)
	if c.redis != nil {
		return c.redis.Del(ctx, key).Err()
	}
	return nil
}

// Len is the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.memory.Len()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	c.memory.Purge()
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	entry, ok := c.memory.Get(key)
	if !ok && c.redis != nil {
		val, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			c.logger.WithError(err).WithField("key", key).Warn("Redis cache read failed")
		default:
			if jsonErr := json.Unmarshal(val, &entry); jsonErr != nil {
				// Remove corrupted cache entry
				c.redis.Del(ctx, key)
			} else {
				ok = true
				c.memory.Add(key, entry)
			}
		}
	}
	if !ok {
		return false
	}

	if time.Now().After(entry.ExpiresAt) {
		c.memory.Remove(key)
		return false
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		c.memory.Remove(key)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Failed to encode cache entry")
		return
	}

	now := time.Now()
	entry := cachedEntry{Data: data, CachedAt: now, ExpiresAt: now.Add(c.defaultTTL)}
	c.memory.Add(key, entry)

	if c.redis == nil {
		return
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, encoded, c.defaultTTL).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Redis cache write failed")
	}
}

func studyKey(studyUID string) string {
	return "hp:study:" + studyUID
}

func priorsKey(patientID, excludeUID string, limit int) string {
	return fmt.Sprintf("hp:priors:%s:%s:%d", patientID, excludeUID, limit)
}
