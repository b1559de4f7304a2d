package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	t.Run("parameter order does not change the key", func(t *testing.T) {
		a := Fingerprint(1, "purchase", map[string]any{"countryId": 12, "serviceId": 3, "operator": "any"})
		b := Fingerprint(1, "purchase", map[string]any{"operator": "any", "serviceId": 3, "countryId": 12})
		assert.Equal(t, a, b)
	})

	t.Run("different customers get different keys", func(t *testing.T) {
		a := Fingerprint(1, "purchase", map[string]any{"countryId": 12})
		b := Fingerprint(2, "purchase", map[string]any{"countryId": 12})
		assert.NotEqual(t, a, b)
	})

	t.Run("different params get different keys", func(t *testing.T) {
		a := Fingerprint(1, "purchase", map[string]any{"countryId": 12})
		b := Fingerprint(1, "purchase", map[string]any{"countryId": 13})
		assert.NotEqual(t, a, b)
	})

	t.Run("operation is part of the key", func(t *testing.T) {
		a := Fingerprint(1, "purchase", map[string]any{"id": 5})
		b := Fingerprint(1, "cancel", map[string]any{"id": 5})
		assert.NotEqual(t, a, b)
	})
}

func TestIdempotencyManager(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate returns cached result", func(t *testing.T) {
		manager := NewIdempotencyManager(NewMemoryIdempotencyStore())
		key := Fingerprint(1, "purchase", map[string]any{"serviceId": 3})

		err := manager.RecordOperation(ctx, key, 1, "purchase", map[string]any{"activation_id": 7}, time.Hour)
		assert.NoError(t, err)

		duplicate, cached, err := manager.CheckDuplicate(ctx, key, 1)
		assert.NoError(t, err)
		assert.True(t, duplicate)

		var result map[string]any
		assert.NoError(t, json.Unmarshal(cached, &result))
		assert.Equal(t, float64(7), result["activation_id"])
	})

	t.Run("expired record is absent and removed", func(t *testing.T) {
		store := NewMemoryIdempotencyStore()
		manager := NewIdempotencyManager(store)
		key := Fingerprint(1, "purchase", map[string]any{"serviceId": 3})

		record := &IdempotencyRecord{
			Key:        key,
			CustomerID: 1,
			Operation:  "purchase",
			Result:     json.RawMessage(`{}`),
			CreatedAt:  time.Now().Add(-25 * time.Hour),
			ExpiresAt:  time.Now().Add(-time.Hour),
		}
		assert.NoError(t, store.Put(ctx, record, time.Hour))

		duplicate, _, err := manager.CheckDuplicate(ctx, key, 1)
		assert.NoError(t, err)
		assert.False(t, duplicate)

		stored, err := store.Get(ctx, key)
		assert.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("foreign customer record is a non-match", func(t *testing.T) {
		manager := NewIdempotencyManager(NewMemoryIdempotencyStore())
		key := Fingerprint(1, "purchase", map[string]any{"serviceId": 3})

		assert.NoError(t, manager.RecordOperation(ctx, key, 1, "purchase", map[string]any{}, time.Hour))

		duplicate, cached, err := manager.CheckDuplicate(ctx, key, 2)
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.Nil(t, cached)
	})

	t.Run("removed record no longer shields retries", func(t *testing.T) {
		manager := NewIdempotencyManager(NewMemoryIdempotencyStore())
		key := Fingerprint(1, "purchase", map[string]any{"serviceId": 3})

		assert.NoError(t, manager.RecordOperation(ctx, key, 1, "purchase", map[string]any{}, time.Hour))
		assert.NoError(t, manager.Remove(ctx, key))

		duplicate, _, err := manager.CheckDuplicate(ctx, key, 1)
		assert.NoError(t, err)
		assert.False(t, duplicate)
	})
}

func TestMemoryIdempotencyStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	live := &IdempotencyRecord{Key: "live", ExpiresAt: time.Now().Add(time.Hour)}
	dead := &IdempotencyRecord{Key: "dead", ExpiresAt: time.Now().Add(-time.Hour)}
	assert.NoError(t, store.Put(ctx, live, time.Hour))
	assert.NoError(t, store.Put(ctx, dead, time.Hour))

	count, err := store.PurgeExpired(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	kept, err := store.Get(ctx, "live")
	assert.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestRedisIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRedisIdempotencyStore(client)

	record := &IdempotencyRecord{
		Key:        "abc",
		CustomerID: 1,
		Operation:  "purchase",
		Result:     json.RawMessage(`{"activation_id":7}`),
		CreatedAt:  time.Now().Truncate(time.Second),
		ExpiresAt:  time.Now().Add(time.Hour).Truncate(time.Second),
	}
	payload, err := json.Marshal(record)
	assert.NoError(t, err)

	t.Run("put and get", func(t *testing.T) {
		mock.ExpectSet("idempotency:abc", payload, time.Hour).SetVal("OK")
		assert.NoError(t, store.Put(ctx, record, time.Hour))

		mock.ExpectGet("idempotency:abc").SetVal(string(payload))
		got, err := store.Get(ctx, "abc")
		assert.NoError(t, err)
		assert.Equal(t, record.CustomerID, got.CustomerID)
		assert.Equal(t, record.Operation, got.Operation)
	})

	t.Run("missing key is absent, not an error", func(t *testing.T) {
		mock.ExpectGet("idempotency:missing").RedisNil()
		got, err := store.Get(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("remove", func(t *testing.T) {
		mock.ExpectDel("idempotency:abc").SetVal(1)
		assert.NoError(t, store.Remove(ctx, "abc"))
	})
}
