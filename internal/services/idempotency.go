package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultIdempotencyTTL is how long an operation result shields retries.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord is a stored operation result keyed by request fingerprint.
type IdempotencyRecord struct {
	Key        string          `json:"key"`
	CustomerID int             `json:"customer_id"`
	Operation  string          `json:"operation"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// IdempotencyStore persists operation results between retries of the same
// logical request.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Put(ctx context.Context, record *IdempotencyRecord, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// Fingerprint builds a stable request hash over customer, operation and the
// normalized parameters. Parameter order never changes the key.
func Fingerprint(customerID int, operation string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:%s", customerID, operation)
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		fmt.Fprintf(&sb, ":%s=%s", k, v)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// IdempotencyManager guards critical operations (purchases, cancellations)
// against duplicate execution on network retries.
type IdempotencyManager struct {
	store IdempotencyStore
}

func NewIdempotencyManager(store IdempotencyStore) *IdempotencyManager {
	return &IdempotencyManager{store: store}
}

// CheckDuplicate looks up a previous execution of the same logical request.
// Expired records and records belonging to another customer are treated as
// absent; the latter is logged as a potential collision and never served.
func (m *IdempotencyManager) CheckDuplicate(ctx context.Context, key string, customerID int) (bool, json.RawMessage, error) {
	record, err := m.store.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if record == nil {
		return false, nil, nil
	}

	if time.Now().After(record.ExpiresAt) {
		_ = m.store.Remove(ctx, key)
		return false, nil, nil
	}

	if record.CustomerID != customerID {
		log.Printf("[Idempotency] Key collision detected: %s (customer %d vs %d)", key, customerID, record.CustomerID)
		return false, nil, nil
	}

	log.Printf("[Idempotency] Duplicate operation detected for customer %d: %s", customerID, record.Operation)
	return true, record.Result, nil
}

// RecordOperation stores the result of a completed operation.
func (m *IdempotencyManager) RecordOperation(ctx context.Context, key string, customerID int, operation string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}

	now := time.Now()
	record := &IdempotencyRecord{
		Key:        key,
		CustomerID: customerID,
		Operation:  operation,
		Result:     payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := m.store.Put(ctx, record, ttl); err != nil {
		return err
	}
	log.Printf("[Idempotency] Recorded %s for customer %d (expires in %s)", operation, customerID, ttl)
	return nil
}

// Remove drops a record, used to roll back after a failed operation so the
// customer can retry.
func (m *IdempotencyManager) Remove(ctx context.Context, key string) error {
	return m.store.Remove(ctx, key)
}

// PurgeExpired clears dead records; the scheduler calls this hourly.
func (m *IdempotencyManager) PurgeExpired(ctx context.Context) {
	count, err := m.store.PurgeExpired(ctx)
	if err != nil {
		log.Printf("[Idempotency] Cleanup failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("[Idempotency] Cleanup completed: %d expired records removed", count)
	}
}

// memoryIdempotencyStore is the single-process default.
type memoryIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*IdempotencyRecord
}

func NewMemoryIdempotencyStore() IdempotencyStore {
	return &memoryIdempotencyStore{records: make(map[string]*IdempotencyRecord)}
}

func (s *memoryIdempotencyStore) Get(_ context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *memoryIdempotencyStore) Put(_ context.Context, record *IdempotencyRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.Key] = &copied
	return nil
}

func (s *memoryIdempotencyStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryIdempotencyStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for key, record := range s.records {
		if now.After(record.ExpiresAt) {
			delete(s.records, key)
			count++
		}
	}
	return count, nil
}

// redisIdempotencyStore backs the cache with redis so records survive process
// restarts and can be shared across instances. TTL expiry is delegated to
// redis, so PurgeExpired has nothing to do.
type redisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) IdempotencyStore {
	return &redisIdempotencyStore{client: client}
}

func redisIdempotencyKey(key string) string {
	return "idempotency:" + key
}

func (s *redisIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, redisIdempotencyKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, nil
}

func (s *redisIdempotencyStore) Put(ctx context.Context, record *IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisIdempotencyKey(record.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisIdempotencyStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisIdempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *redisIdempotencyStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}
