package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	metrics "github.com/pingopay/webhookd/internal/pkg/metrics/counter"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "webhook:job:"
	JobQueueKey      = "webhook_jobs"
	JobProcessingKey = "webhook_jobs_processing"
	JobDelayedKey    = "webhook_jobs_delayed"
	JobStatsKey      = "webhook_job_stats"

	// Job settings
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
	JobTTL             = 24 * time.Hour // Jobs expire after 24 hours
)

// WebhookExecutor is the consumption callback invoked for each dequeued job.
// A returned error means the attempt failed and is subject to retry/backoff.
type WebhookExecutor func(ctx context.Context, job webhook.QueueJobPayload) error

// Queue manages durable webhook jobs using Redis. Delivery is at-least-once:
// a job may reach a worker more than once after a crash, which is why the
// idempotency store, not the queue, decides whether an event was handled.
type Queue struct {
	client      *redis.Client
	workers     int
	workerPool  chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	executor    WebhookExecutor
	backoffBase time.Duration
	backoffMax  time.Duration
	maxRetries  int
}

// NewQueue creates a new webhook job queue on the given Redis client
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:      client,
		workers:     workers,
		workerPool:  make(chan struct{}, workers),
		stopCh:      make(chan struct{}),
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		maxRetries:  DefaultMaxRetries,
	}
}

// SetWebhookExecutor registers the consumption callback. Must be called
// before Start.
func (q *Queue) SetWebhookExecutor(fn WebhookExecutor) {
	q.executor = fn
}

// SetRetryPolicy overrides retry/backoff settings.
func (q *Queue) SetRetryPolicy(maxRetries int, backoffBase, backoffMax time.Duration) {
	if maxRetries > 0 {
		q.maxRetries = maxRetries
	}
	if backoffBase > 0 {
		q.backoffBase = backoffBase
	}
	if backoffMax > 0 {
		q.backoffMax = backoffMax
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	// Recreate stop channel so the queue can be restarted after Stop.
	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	q.workerPool = make(chan struct{}, q.workers)
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Promote delayed retries that have reached their backoff deadline
	q.wg.Add(1)
	go q.delayedScheduler(5 * time.Second)

	// Start stuck-processing sweeper (recovers jobs stuck in processing due to crashes)
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, 1*time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// WebhookJobID derives the queue job ID from the event identity so a second
// enqueue of the same logical event collapses into the existing job.
func WebhookJobID(provider, providerEventID string) string {
	return fmt.Sprintf("wh:%s:%s", provider, providerEventID)
}

// EnqueueWebhookJob adds a webhook delivery job to the queue. Satisfies
// webhook.Enqueuer. A duplicate enqueue of a still-live job is a no-op.
func (q *Queue) EnqueueWebhookJob(ctx context.Context, payload webhook.QueueJobPayload) error {
	job := &Job{
		ID:         WebhookJobID(payload.Provider, payload.ProviderEventID),
		Type:       JobTypeWebhookDelivery,
		Status:     JobStatusPending,
		Payload:    WebhookJobPayloadToMap(payload),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		RetryCount: 0,
		MaxRetries: q.maxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	// SETNX collapses concurrent enqueues of the same logical event
	created, err := q.client.SetNX(ctx, jobKey, jobData, JobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if !created {
		log.Infof("[JobQueue] Job %s already exists, duplicate enqueue collapsed", job.ID)
		return nil
	}

	pipe := q.client.Pipeline()
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// The job key exists but is on no list, so no worker would ever see
		// it and the SETNX above would swallow a later enqueue of the same
		// event. Drop the key so the retry starts clean.
		q.client.Del(ctx, jobKey)
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			// Try to get a job from the queue
			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				}
				// Release worker slot and wait before retry
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Attempt %d/%d)", id, job.ID, job.RetryCount+1, job.MaxRetries)
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	result, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobID := result
	jobKey := JobKeyPrefix + jobID

	// Get job data
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if err != nil {
		// Job data not found, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		// Invalid job data, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob executes a single job via the registered executor
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	if q.executor == nil {
		err = errors.New("no webhook executor registered")
	} else {
		var payload *webhook.QueueJobPayload
		payload, err = WebhookJobPayloadFromMap(job.Payload)
		if err == nil {
			err = q.executor(ctx, *payload)
		}
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		// Check if job can be retried
		if job.IsRetryable() {
			backoff := job.NextBackoff(q.backoffBase, q.backoffMax)
			log.Infof("[JobQueue] Retrying job %s in %s (Attempt %d/%d)", job.ID, backoff, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			q.scheduleRetry(ctx, job, backoff)
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d attempts", job.ID, job.RetryCount)
			q.updateJob(ctx, job)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			// The failed outcome is counted once per event, at exhaustion,
			// not per attempt.
			if payload, perr := WebhookJobPayloadFromMap(job.Payload); perr == nil {
				metrics.AddWebhookOutcome(payload.Provider, "failed")
			}
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		// Remove completed job from Redis entirely
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

// scheduleRetry parks the job in the delayed set until its backoff deadline
func (q *Queue) scheduleRetry(ctx context.Context, job *Job, backoff time.Duration) {
	readyAt := float64(time.Now().Add(backoff).Unix())
	if err := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, err)
	}
}

// delayedScheduler periodically promotes due delayed jobs back onto the
// pending queue
func (q *Queue) delayedScheduler(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Delayed scheduler stopping")
			return
		case <-ticker.C:
			now := fmt.Sprintf("%d", time.Now().Unix())
			ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
			if err != nil {
				log.Errorf("[JobQueue] Delayed scheduler error: %v", err)
				continue
			}
			for _, id := range ids {
				removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
				if err != nil || removed == 0 {
					continue // another instance promoted it
				}
				if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
					log.Errorf("[JobQueue] Failed to promote delayed job %s: %v", id, err)
				}
			}
		}
	}
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
			if err != nil {
				log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				jobKey := JobKeyPrefix + id
				data, err := q.client.Get(ctx, jobKey).Result()
				if err != nil {
					// Job data missing; remove from processing list
					if err != redis.Nil {
						log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
					}
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				var job Job
				if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
					log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				if job.Status != JobStatusProcessing {
					// Clean up stray entry
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				// Determine when processing started
				started := job.ProcessedAt
				if started == nil || started.IsZero() {
					// Fallback to UpdatedAt/CreatedAt
					tmp := job.UpdatedAt
					if tmp.IsZero() {
						tmp = job.CreatedAt
					}
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					log.Warnf("[JobQueue] Recovering stuck job %s, age=%s", job.ID, now.Sub(*started))
					job.Status = JobStatusPending
					job.ErrorMsg = "recovered by sweeper"
					job.UpdatedAt = now
					q.updateJob(ctx, &job)
					// Move from processing back to pending
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					_ = q.client.RPush(ctx, JobQueueKey, id).Err()
				}
			}
		}
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobKey := JobKeyPrefix + jobID
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// QueueStats is the operational snapshot for health monitoring
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// GetQueueStats returns queue depth and outcome counters
func (q *Queue) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	var err error
	if stats.Waiting, err = q.client.LLen(ctx, JobQueueKey).Result(); err != nil {
		return nil, err
	}
	if stats.Active, err = q.client.LLen(ctx, JobProcessingKey).Result(); err != nil {
		return nil, err
	}
	if stats.Delayed, err = q.client.ZCard(ctx, JobDelayedKey).Result(); err != nil {
		return nil, err
	}

	counters, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	for status, count := range counters {
		n, perr := json.Number(count).Int64()
		if perr != nil {
			continue
		}
		switch JobStatus(status) {
		case JobStatusCompleted:
			stats.Completed = n
		case JobStatusFailed:
			stats.Failed = n
		}
	}

	return stats, nil
}

// RetryFailedJobs redrives terminally failed jobs back onto the pending
// queue with a fresh retry budget. Returns the number of redriven jobs.
func (q *Queue) RetryFailedJobs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	redriven := 0
	iter := q.client.Scan(ctx, 0, JobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if redriven >= limit {
			break
		}

		data, err := q.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		if job.Status != JobStatusFailed || job.RetryCount < job.MaxRetries {
			continue
		}

		job.Status = JobStatusPending
		job.RetryCount = 0
		job.ErrorMsg = ""
		job.UpdatedAt = time.Now()
		q.updateJob(ctx, &job)

		if err := q.client.LPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to redrive job %s: %v", job.ID, err)
			continue
		}
		q.updateJobStats(ctx, JobStatusFailed, -1)
		redriven++
		log.Infof("[JobQueue] Redrove failed job %s", job.ID)
	}
	if err := iter.Err(); err != nil {
		return redriven, err
	}
	return redriven, nil
}
