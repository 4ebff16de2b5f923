// Package cache holds the embedding caches: an in-process LRU and Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// EmbeddingCache stores vectors keyed by model and text.
type EmbeddingCache interface {
	// GetMany returns one entry per text; nil marks a miss.
	GetMany(ctx context.Context, model string, texts []string) ([][]float32, error)
	SetMany(ctx context.Context, model string, texts []string, vecs [][]float32) error
	Close() error
}

// Key returns the cache key for text embedded by model.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "docqa:emb:" + model + ":" + hex.EncodeToString(sum[:])
}

// ========== in-process ==========

// MemoryCache is an EmbeddingCache backed by an LRU.
type MemoryCache struct {
	lru *lru.Cache[string, []float32]
}

// NewMemoryCache returns a cache holding up to size vectors.
func NewMemoryCache(size int) *MemoryCache {
	if size < 1 {
		size = 1
	}
	c, _ := lru.New[string, []float32](size) // only fails for size < 1
	return &MemoryCache{lru: c}
}

func (c *MemoryCache) GetMany(_ context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := c.lru.Get(Key(model, t)); ok {
			out[i] = v
		}
	}
	return out, nil
}

func (c *MemoryCache) SetMany(_ context.Context, model string, texts []string, vecs [][]float32) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("cache: %d texts but %d vectors", len(texts), len(vecs))
	}
	for i, t := range texts {
		c.lru.Add(Key(model, t), vecs[i])
	}
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// ========== redis ==========

// RedisCache is an EmbeddingCache shared through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to a redis:// URL and checks the connection.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Printf("Embedding cache connected to redis at %s", opts.Addr)
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) GetMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = Key(model, t)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			log.WithError(err).Debugf("Dropping corrupt cache entry %s", keys[i])
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (c *RedisCache) SetMany(ctx context.Context, model string, texts []string, vecs [][]float32) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("cache: %d texts but %d vectors", len(texts), len(vecs))
	}
	pipe := c.client.Pipeline()
	for i, t := range texts {
		pipe.Set(ctx, Key(model, t), encodeVector(vecs[i]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
