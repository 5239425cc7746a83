package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for idempotency records
	RecordKeyPrefix = "webhook:idem:"

	// DefaultTTL bounds the staleness window: once a record expires a
	// redelivered event is treated as new.
	DefaultTTL = 24 * time.Hour
)

// Record is the durable ledger entry for one provider event.
type Record struct {
	Status    string                 `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// CheckResult reports whether this delivery is the first for its event.
type CheckResult struct {
	IsNew    bool
	Existing *Record
}

// Store is the Redis-backed idempotency ledger. It is the single source of
// truth for "has this provider event been handled" across all workers.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates an idempotency store. A non-positive ttl falls back to
// DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func recordKey(provider, eventID string) string {
	return fmt.Sprintf("%s%s:%s", RecordKeyPrefix, provider, eventID)
}

// CheckAndSet atomically creates a processing record if none exists for
// (provider, eventID). SET NX closes the race between two concurrent
// deliveries of the same event: exactly one caller observes IsNew=true.
func (s *Store) CheckAndSet(ctx context.Context, provider, eventID string) (*CheckResult, error) {
	key := recordKey(provider, eventID)

	// A record can expire between SETNX and GET; the second pass then creates
	// a fresh one. One retry, after that give up rather than loop.
	for attempt := 0; attempt <= 1; attempt++ {
		now := time.Now()
		record := Record{
			Status:    StatusProcessing,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal idempotency record: %w", err)
		}

		created, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("idempotency check-and-set failed: %w", err)
		}
		if created {
			return &CheckResult{IsNew: true, Existing: &record}, nil
		}

		existing, err := s.GetStatus(ctx, provider, eventID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &CheckResult{IsNew: false, Existing: existing}, nil
		}
		log.Warnf("[Idempotency] Record for %s:%s vanished during check, retrying", provider, eventID)
	}

	return nil, fmt.Errorf("idempotency record for %s:%s vanished during check", provider, eventID)
}

// Release removes the record for (provider, eventID). Callers use it to hand
// back a freshly claimed record when the event could not be recorded or
// enqueued, so the provider's redelivery is treated as new instead of being
// acknowledged as in flight until the TTL runs out.
func (s *Store) Release(ctx context.Context, provider, eventID string) error {
	if err := s.client.Del(ctx, recordKey(provider, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

// UpdateStatus overwrites status/result on an existing record while
// preserving its remaining TTL.
func (s *Store) UpdateStatus(ctx context.Context, provider, eventID, status string, result map[string]interface{}) error {
	key := recordKey(provider, eventID)

	existing, err := s.GetStatus(ctx, provider, eventID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no idempotency record for %s:%s", provider, eventID)
	}

	existing.Status = status
	if result != nil {
		existing.Result = result
	}
	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update idempotency record: %w", err)
	}
	return nil
}

// GetStatus returns the record for (provider, eventID), or nil when none
// exists.
func (s *Store) GetStatus(ctx context.Context, provider, eventID string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(provider, eventID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	return &record, nil
}
