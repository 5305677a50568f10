package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-blur-pipeline/internal/models"
	"image-blur-pipeline/internal/store"
	"image-blur-pipeline/internal/telemetry"
	"image-blur-pipeline/internal/worker"
)

// Queue is the orchestrator's view of the job queue and status store.
type Queue interface {
	worker.Queue
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, job *models.Job) (string, error)
	GetStatus(ctx context.Context, jobID string) (*models.StatusEntry, bool, error)
}

// RecordStore extends the worker's insert-only view with the query surfaces.
type RecordStore interface {
	worker.RecordStore
	EnsureSchema(ctx context.Context) error
	GetByJobID(ctx context.Context, jobID string) (models.ProcessingRecord, error)
	QueryByFlags(ctx context.Context, f store.FlagFilter) ([]models.ProcessingRecord, error)
	GetStats(ctx context.Context) (store.Stats, error)
}

// Pipeline owns and wires every component: queue, object storage, result
// store, analyzer, and the worker pool. All dependencies are injected so
// tests can substitute fakes.
type Pipeline struct {
	queue    Queue
	objects  worker.ObjectStore
	records  RecordStore
	analyzer worker.Analyzer
	pool     *worker.Pool
	logger   *zap.Logger

	mu          sync.Mutex
	initialized bool
}

// New builds the orchestrator. Call Initialize before submitting work.
func New(q Queue, objects worker.ObjectStore, records RecordStore, az worker.Analyzer, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		queue:    q,
		objects:  objects,
		records:  records,
		analyzer: az,
		pool:     worker.NewPool(q, objects, records, az, logger),
		logger:   logger,
	}
}

// Initialize verifies the queue connection and bootstraps the result store
// schema. It is idempotent; a second call is a no-op.
func (p *Pipeline) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := p.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue ping: %w", err)
	}
	if err := p.records.EnsureSchema(ctx); err != nil {
		return err
	}
	p.initialized = true
	p.logger.Info("pipeline initialized")
	return nil
}

// StartWorkers spawns n independent worker loops.
func (p *Pipeline) StartWorkers(ctx context.Context, n int) {
	p.pool.Start(ctx, n)
}

// Stop cooperatively stops the worker pool. Jobs already in flight run to a
// terminal status first.
func (p *Pipeline) Stop() {
	p.pool.Stop()
}

// SubmitJob validates the payload, creates a pending job, and hands it to
// the queue. The job id is returned only after the enqueue succeeded; on
// failure no job exists anywhere.
func (p *Pipeline) SubmitJob(ctx context.Context, imageBytes []byte, filename, contentType string) (string, error) {
	if len(imageBytes) == 0 {
		return "", models.ErrEmptyPayload
	}
	if filename == "" {
		filename = fmt.Sprintf("upload_%s.jpg", uuid.New().String())
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	job := &models.Job{
		ID:               uuid.New().String(),
		ImagePayload:     imageBytes,
		OriginalFilename: filename,
		ContentType:      contentType,
		Status:           models.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	jobID, err := p.queue.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	telemetry.JobsSubmitted.Inc()
	p.logger.Info("job submitted", zap.String("job_id", jobID), zap.String("filename", filename), zap.Int("bytes", len(imageBytes)))
	return jobID, nil
}

// GetJobStatus reads the status entry for a job.
func (p *Pipeline) GetJobStatus(ctx context.Context, jobID string) (*models.StatusEntry, bool, error) {
	return p.queue.GetStatus(ctx, jobID)
}

// GetRecord fetches the durable outcome row for a job.
func (p *Pipeline) GetRecord(ctx context.Context, jobID string) (models.ProcessingRecord, error) {
	return p.records.GetByJobID(ctx, jobID)
}

// QueryRecords returns records matching the flag filters.
func (p *Pipeline) QueryRecords(ctx context.Context, f store.FlagFilter) ([]models.ProcessingRecord, error) {
	return p.records.QueryByFlags(ctx, f)
}

// RecordStats aggregates flag counts and rates from the result store.
func (p *Pipeline) RecordStats(ctx context.Context) (store.Stats, error) {
	return p.records.GetStats(ctx)
}

// QueueDepth reports how many jobs are waiting.
func (p *Pipeline) QueueDepth(ctx context.Context) (int64, error) {
	return p.queue.Depth(ctx)
}

// Stats is the aggregate in-memory view of pipeline progress. Counters are
// summed across concurrently mutating workers, so the derived rates are
// approximations.
type Stats struct {
	TotalProcessed      int64   `json:"total_processed"`
	TotalFailed         int64   `json:"total_failed"`
	TotalSkipped        int64   `json:"total_skipped"`
	SuccessRate         float64 `json:"success_rate"`
	AvgProcessingTime   float64 `json:"avg_processing_time_seconds"`
	ThroughputPerMinute float64 `json:"throughput_jobs_per_minute"`
	ActiveWorkers       int     `json:"active_workers"`
	QueueDepth          int64   `json:"queue_depth"`
}

// PipelineStats sums the worker counters and adds the live queue depth.
func (p *Pipeline) PipelineStats(ctx context.Context) Stats {
	ws := p.pool.Stats()
	st := Stats{
		TotalProcessed: ws.Processed,
		TotalFailed:    ws.Failed,
		TotalSkipped:   ws.Skipped,
		ActiveWorkers:  ws.ActiveWorkers,
	}
	if attempts := ws.Processed + ws.Failed; attempts > 0 {
		st.SuccessRate = float64(ws.Processed) / float64(attempts) * 100
	}
	if ws.Processed > 0 {
		st.AvgProcessingTime = ws.BusySeconds / float64(ws.Processed)
	}
	if ws.BusySeconds > 0 {
		st.ThroughputPerMinute = float64(ws.Processed) / (ws.BusySeconds / 60)
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		st.QueueDepth = depth
	} else {
		p.logger.Warn("queue depth unavailable", zap.Error(err))
	}
	return st
}
