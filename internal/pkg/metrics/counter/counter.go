package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingopay/webhookd/internal/pkg/cache"
	"github.com/pingopay/webhookd/internal/pkg/database"
)

const webhookOutcomesKey = "webhook:counters:outcomes"

// AddWebhookOutcome increments the pending counter for one (provider, outcome)
// pair in Redis. Counters are drained to the webhook_stats table by the
// periodic flush.
func AddWebhookOutcome(provider, outcome string) error {
	ctx := context.Background()
	field := provider + ":" + outcome
	return cache.GetClient().HIncrBy(ctx, webhookOutcomesKey, field, 1).Err()
}

// GetPendingOutcomes returns the not-yet-flushed counters, keyed by
// "<provider>:<outcome>".
func GetPendingOutcomes() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, webhookOutcomesKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(data))
	for field, v := range data {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			result[field] = n
		}
	}
	return result, nil
}

// FlushAll drains outcome counters from Redis into the webhook_stats table.
// Uses RENAME to a temporary key for atomic drain without losing in-flight
// increments.
func FlushAll() error {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", webhookOutcomesKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", webhookOutcomesKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	type pair struct {
		provider string
		outcome  string
		inc      int64
	}
	pairs := make([]pair, 0, len(data))
	for field, v := range data {
		parts := strings.SplitN(field, ":", 2)
		if len(parts) != 2 {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{provider: parts[0], outcome: parts[1], inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].provider != pairs[j].provider {
			return pairs[i].provider < pairs[j].provider
		}
		return pairs[i].outcome < pairs[j].outcome
	})

	// Batched upsert: one row per (provider, outcome), counter incremented.
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("INSERT INTO webhook_stats (provider, outcome, count, created_at, updated_at) VALUES ")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("(?, ?, ?, NOW(), NOW())")
		args = append(args, p.provider, p.outcome, p.inc)
	}
	builder.WriteString(" ON DUPLICATE KEY UPDATE count = count + VALUES(count), updated_at = NOW()")

	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	return db.Exec(builder.String(), args...).Error
}
