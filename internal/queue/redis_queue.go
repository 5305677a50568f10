package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"image-blur-pipeline/internal/config"
	"image-blur-pipeline/internal/models"
)

// RedisQueue is the durable hand-off between the submission gateway and the
// worker pool: a single FIFO list of serialized jobs plus a per-job status
// hash. The atomic LPOP on the list is the only mutual exclusion in the
// pipeline; it guarantees at most one worker holds a given job.
type RedisQueue struct {
	client       *redis.Client
	queueKey     string
	statusPrefix string
	popWait      time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.QueueName, cfg.DequeueWait)
}

// NewWithClient wires the queue onto an existing Redis client. Tests use this
// to point the queue at miniredis.
func NewWithClient(client *redis.Client, queueName string, popWait time.Duration) *RedisQueue {
	if queueName == "" {
		queueName = "image_processing_queue"
	}
	if popWait <= 0 {
		popWait = time.Second
	}
	return &RedisQueue{
		client:       client,
		queueKey:     queueKey(queueName),
		statusPrefix: "job_status:",
		popWait:      popWait,
	}
}

func queueKey(name string) string {
	return fmt.Sprintf("queue:%s", name)
}

func (q *RedisQueue) statusKey(jobID string) string {
	return q.statusPrefix + jobID
}

// Ping verifies the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends the job to the tail of the queue and writes its pending
// status entry in one transaction, so a failed enqueue leaves no partial
// state behind.
func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.queueKey, payload)
	pipe.HSet(ctx, q.statusKey(job.ID),
		"status", models.StatusPending,
		"updated_at", job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Dequeue pops the head of the queue, blocking up to the configured wait.
// It returns (nil, nil) when the queue stayed empty, so callers must loop.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	res, err := q.client.BLPop(ctx, q.popWait, q.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// UpdateStatus overwrites the job's status entry unconditionally. There is no
// compare-and-swap; the last writer wins.
func (q *RedisQueue) UpdateStatus(ctx context.Context, jobID, status string, results any) error {
	fields := []any{
		"status", status,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if results != nil {
		payload, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("marshal status results: %w", err)
		}
		fields = append(fields, "results", payload)
	}
	if err := q.client.HSet(ctx, q.statusKey(jobID), fields...).Err(); err != nil {
		return fmt.Errorf("update status for %s: %w", jobID, err)
	}
	return nil
}

// GetStatus reads the status entry for a job. The second return value is
// false when the job id is unknown.
func (q *RedisQueue) GetStatus(ctx context.Context, jobID string) (*models.StatusEntry, bool, error) {
	raw, err := q.client.HGetAll(ctx, q.statusKey(jobID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get status for %s: %w", jobID, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	entry := &models.StatusEntry{
		JobID:  jobID,
		Status: raw["status"],
	}
	if ts := raw["updated_at"]; ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.UpdatedAt = parsed
		}
	}
	if results := raw["results"]; results != "" {
		entry.Results = json.RawMessage(results)
	}
	return entry, true, nil
}

// Depth returns the number of jobs waiting in the queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
