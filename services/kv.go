package services

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// KV is the ephemeral store behind runs, payment challenges and question
// batches. Single-instance deployments use the in-memory implementation;
// multi-instance deployments point REDIS_ADDR at a shared Redis; call
// sites never change. Entries expire on wall-clock TTL either way.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// GetDel atomically reads and removes a key; at most one caller ever
	// sees the value. This is the consume primitive for payment nonces.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// List operations back the question batch queues.
	PushList(ctx context.Context, key string, vals [][]byte, ttl time.Duration) error
	PopList(ctx context.Context, key string) ([]byte, bool, error)
	// Sweep drops expired entries and returns how many it removed. Redis
	// expires keys natively, so its sweep is a no-op; lazy expiry at point
	// of use stays authoritative regardless of sweep cadence.
	Sweep(ctx context.Context) int
}

// NewKV picks the backend: Redis when REDIS_ADDR is set and reachable,
// local memory otherwise (graceful single-instance degradation).
func NewKV() KV {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		log.Println("⚠️  REDIS_ADDR not set — using in-memory ephemeral store (single instance only)")
		return NewMemoryKV()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		log.Printf("⚠️  Redis unreachable at %s (%v) — falling back to in-memory ephemeral store", addr, err)
		return NewMemoryKV()
	}

	log.Printf("✅ Ephemeral store backed by Redis at %s", addr)
	return &redisKV{rdb: rdb}
}

// --- Redis backend ---

type redisKV struct {
	rdb *goredis.Client
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *redisKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

func (r *redisKV) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.GetDel(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisKV) PushList(ctx context.Context, key string, vals [][]byte, ttl time.Duration) error {
	if len(vals) == 0 {
		return r.rdb.Expire(ctx, key, ttl).Err()
	}
	args := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		args = append(args, v)
	}
	if err := r.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *redisKV) PopList(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.LPop(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *redisKV) Sweep(ctx context.Context) int { return 0 }

// --- In-memory backend ---

type memEntry struct {
	val       []byte
	list      [][]byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV is the single-instance fallback. Behavior matches the Redis
// backend exactly (TTL, GetDel, list pop order).
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]*memEntry)}
}

// live returns the entry if present and unexpired, lazily dropping it
// otherwise.
func (m *MemoryKV) live(key string, now time.Time) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{val: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, key)
	return e.val, true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) PushList(ctx context.Context, key string, vals [][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e, ok := m.live(key, now)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.list = append(e.list, vals...)
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return nil
}

func (m *MemoryKV) PopList(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, time.Now())
	if !ok || len(e.list) == 0 {
		return nil, false, nil
	}
	head := e.list[0]
	e.list = e.list[1:]
	return head, true, nil
}

func (m *MemoryKV) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
