package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingopay/webhookd/internal/pkg/cache"
	"github.com/pingopay/webhookd/internal/pkg/env"
)

const isolatedCounterTestRedisDB = 11

func setupCounterTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var client *redis.Client
	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		candidate := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", host, port),
			Password: password,
			DB:       isolatedCounterTestRedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		_, err := candidate.Ping(ctx).Result()
		cancel()
		if err == nil {
			client = candidate
			break
		}
		lastErr = err
		_ = candidate.Close()
	}
	if client == nil {
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	}

	require.NoError(t, client.FlushDB(context.Background()).Err())
	cache.SetClient(client)
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		cache.SetClient(nil)
		_ = client.Close()
	})
	return client
}

func TestAddWebhookOutcome(t *testing.T) {
	setupCounterTestRedis(t)

	require.NoError(t, AddWebhookOutcome("stripe", "completed"))
	require.NoError(t, AddWebhookOutcome("stripe", "completed"))
	require.NoError(t, AddWebhookOutcome("paypal", "rejected"))

	pending, err := GetPendingOutcomes()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending["stripe:completed"])
	assert.Equal(t, int64(1), pending["paypal:rejected"])
}

func TestGetPendingOutcomesEmpty(t *testing.T) {
	setupCounterTestRedis(t)

	pending, err := GetPendingOutcomes()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
