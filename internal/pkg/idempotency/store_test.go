package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	client := newIsolatedRedisClient(t, isolatedIdempotencyTestRedisDB)
	return NewStore(client, ttl)
}

func TestCheckAndSet_NewRecord(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	result, err := store.CheckAndSet(ctx, "stripe", "evt_new_1")
	require.NoError(t, err)
	assert.True(t, result.IsNew)
	require.NotNil(t, result.Existing)
	assert.Equal(t, StatusProcessing, result.Existing.Status)
}

func TestCheckAndSet_Duplicate(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	first, err := store.CheckAndSet(ctx, "stripe", "evt_dup_1")
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := store.CheckAndSet(ctx, "stripe", "evt_dup_1")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	require.NotNil(t, second.Existing)
	assert.Equal(t, StatusProcessing, second.Existing.Status)
}

func TestCheckAndSet_ProviderScoped(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	first, err := store.CheckAndSet(ctx, "stripe", "evt_shared")
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	// Same event ID under a different provider is a distinct record.
	other, err := store.CheckAndSet(ctx, "paypal", "evt_shared")
	require.NoError(t, err)
	assert.True(t, other.IsNew)
}

func TestCheckAndSet_ConcurrentOneWinner(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	results := make([]bool, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := store.CheckAndSet(ctx, "stripe", "evt_race_1")
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = result.IsNew
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	winners := 0
	for _, isNew := range results {
		if isNew {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent delivery may claim the event")
}

func TestUpdateStatus_PreservesTTL(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedIdempotencyTestRedisDB)
	store := NewStore(client, time.Minute)
	ctx := context.Background()

	_, err := store.CheckAndSet(ctx, "stripe", "evt_ttl_1")
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, "stripe", "evt_ttl_1", StatusCompleted, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	record, err := store.GetStatus(ctx, "stripe", "evt_ttl_1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, true, record.Result["ok"])

	ttl, err := client.TTL(ctx, recordKey("stripe", "evt_ttl_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "TTL must survive a status update")
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestUpdateStatus_MissingRecord(t *testing.T) {
	store := newTestStore(t, time.Minute)

	err := store.UpdateStatus(context.Background(), "stripe", "evt_missing", StatusCompleted, nil)
	assert.Error(t, err)
}

func TestGetStatus_Missing(t *testing.T) {
	store := newTestStore(t, time.Minute)

	record, err := store.GetStatus(context.Background(), "stripe", "evt_absent")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCheckAndSet_ExpiredRecordIsNew(t *testing.T) {
	store := newTestStore(t, time.Second)
	ctx := context.Background()

	first, err := store.CheckAndSet(ctx, "stripe", "evt_exp_1")
	require.NoError(t, err)
	require.True(t, first.IsNew)

	time.Sleep(1200 * time.Millisecond)

	second, err := store.CheckAndSet(ctx, "stripe", "evt_exp_1")
	require.NoError(t, err)
	assert.True(t, second.IsNew, "a redelivery after TTL expiry is treated as new")
}

func TestRelease_RedeliveryIsNew(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	first, err := store.CheckAndSet(ctx, "stripe", "evt_rel_1")
	require.NoError(t, err)
	require.True(t, first.IsNew)

	require.NoError(t, store.Release(ctx, "stripe", "evt_rel_1"))

	record, err := store.GetStatus(ctx, "stripe", "evt_rel_1")
	require.NoError(t, err)
	assert.Nil(t, record)

	second, err := store.CheckAndSet(ctx, "stripe", "evt_rel_1")
	require.NoError(t, err)
	assert.True(t, second.IsNew, "a released claim must not block redelivery")
}

func TestRelease_MissingRecordIsNoop(t *testing.T) {
	store := newTestStore(t, time.Minute)
	assert.NoError(t, store.Release(context.Background(), "stripe", "evt_rel_absent"))
}

func TestCheckAndSet_ReturnsUnderConcurrentDeletes(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	// Hammer the record with deletes so the check races against vanishing
	// keys. Every call must return, either with a result or by giving up
	// after the bounded retry.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				store.client.Del(ctx, recordKey("stripe", "evt_vanish"))
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = store.CheckAndSet(ctx, "stripe", "evt_vanish")
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("CheckAndSet did not return under concurrent deletes")
	}
	close(stop)
	wg.Wait()
}
