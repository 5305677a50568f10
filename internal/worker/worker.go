package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"image-blur-pipeline/internal/analyzer"
	"image-blur-pipeline/internal/models"
	"image-blur-pipeline/internal/storage"
	"image-blur-pipeline/internal/store"
	"image-blur-pipeline/internal/telemetry"
)

// Queue is the worker-side view of the job queue and status store.
type Queue interface {
	Dequeue(ctx context.Context) (*models.Job, error)
	UpdateStatus(ctx context.Context, jobID, status string, results any) error
	Depth(ctx context.Context) (int64, error)
}

// ObjectStore uploads artifacts and returns their canonical addresses.
type ObjectStore interface {
	UploadImage(ctx context.Context, data []byte, key, contentType string) (string, error)
	UploadMetadata(ctx context.Context, doc any, key string) (string, error)
}

// RecordStore persists one outcome row per completed job.
type RecordStore interface {
	SaveRecord(ctx context.Context, p store.RecordParams) (models.ProcessingRecord, error)
}

// Analyzer is the detection-and-blur collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, imageBytes []byte) (*analyzer.Result, error)
}

// Outcome is the client-visible summary written to the status store on
// completion.
type Outcome struct {
	JobID                 string         `json:"job_id"`
	OriginalImagePath     string         `json:"original_image_path"`
	ProcessedImagePath    string         `json:"processed_image_path"`
	MetadataPath          string         `json:"metadata_path"`
	Flags                 analyzer.Flags `json:"flags"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
}

// metadataDocument is the full structured result uploaded next to the images.
type metadataDocument struct {
	JobID                 string           `json:"job_id"`
	OriginalFilename      string           `json:"original_filename"`
	OriginalImagePath     string           `json:"original_image_path"`
	ProcessedImagePath    string           `json:"processed_image_path"`
	Analysis              *analyzer.Result `json:"analysis"`
	ProcessingTimeSeconds float64          `json:"processing_time_seconds"`
}

// workerState holds one loop's counters. They are summed at query time and
// lost on restart; nothing reconciles them beyond the summation.
type workerState struct {
	id        int
	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	busyNanos atomic.Int64
}

// Stats is the summed view across all workers in the pool.
type Stats struct {
	Processed     int64
	Failed        int64
	Skipped       int64
	BusySeconds   float64
	ActiveWorkers int
}

// Pool runs N independent worker loops over the shared queue. Each job is
// dequeued by exactly one worker; the queue's atomic pop is the only mutual
// exclusion. Stopping is cooperative: an in-flight job runs to a terminal
// status before its loop exits.
type Pool struct {
	queue    Queue
	objects  ObjectStore
	records  RecordStore
	analyzer Analyzer
	logger   *zap.Logger

	mu      sync.Mutex
	workers []*workerState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool wires a pool over its collaborators.
func NewPool(q Queue, objects ObjectStore, records RecordStore, az Analyzer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:    q,
		objects:  objects,
		records:  records,
		analyzer: az,
		logger:   logger,
	}
}

// Start launches n worker loops. They run until Stop or parent context
// cancellation.
func (p *Pool) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.logger.Info("starting worker pool", zap.Int("workers", n))
	for i := 0; i < n; i++ {
		ws := &workerState{id: i + 1}
		p.mu.Lock()
		p.workers = append(p.workers, ws)
		p.mu.Unlock()

		p.wg.Add(1)
		go p.run(runCtx, ws)
	}
}

// Stop signals every loop and waits for each to observe the cancellation at
// its next iteration boundary.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Stats sums the per-worker counters. The counters mutate concurrently, so
// the sum is an approximation rather than a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := append([]*workerState(nil), p.workers...)
	running := p.running
	p.mu.Unlock()

	var st Stats
	for _, ws := range workers {
		st.Processed += ws.processed.Load()
		st.Failed += ws.failed.Load()
		st.Skipped += ws.skipped.Load()
		st.BusySeconds += time.Duration(ws.busyNanos.Load()).Seconds()
	}
	if running {
		st.ActiveWorkers = len(workers)
	}
	return st
}

func (p *Pool) run(ctx context.Context, ws *workerState) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered", zap.Int("worker_id", ws.id), zap.Any("panic", r))
		}
	}()

	log := p.logger.With(zap.Int("worker_id", ws.id))
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		// Blocking pop with a bounded wait; nil means the queue stayed empty
		// and the loop re-checks cancellation.
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		p.processJob(ctx, ws, log, job)
	}
}

// processJob drives one job from PROCESSING to a terminal status. Every
// error is converted into a failed status; nothing propagates out of the
// loop.
func (p *Pool) processJob(ctx context.Context, ws *workerState, log *zap.Logger, job *models.Job) {
	start := time.Now()
	log = log.With(zap.String("job_id", job.ID))
	log.Info("processing job", zap.String("filename", job.OriginalFilename))

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.queue.UpdateStatus(ctx, job.ID, models.StatusProcessing, nil); err != nil {
		log.Warn("status update failed", zap.Error(err))
	}

	res, err := p.analyzer.Analyze(ctx, job.ImagePayload)
	if err != nil {
		p.fail(ctx, ws, log, job, err)
		return
	}

	// No-vehicle precheck: terminal skip, no upload, no record. The decision
	// comes from the same detection pass that would have fed the blur, so
	// the two invocation sites cannot diverge.
	if !res.Flags.VehicleDetected {
		ws.skipped.Add(1)
		telemetry.JobsSkipped.Inc()
		if err := p.queue.UpdateStatus(ctx, job.ID, models.StatusSkipped, map[string]any{
			"message":  "no vehicle detected in image, image not uploaded",
			"filename": job.OriginalFilename,
		}); err != nil {
			log.Warn("status update failed", zap.Error(err))
		}
		log.Info("job skipped, no vehicle detected")
		return
	}

	keys := storage.KeysFor(job.ID, time.Now())

	originalPath, err := p.objects.UploadImage(ctx, job.ImagePayload, keys.Original, job.ContentType)
	if err != nil {
		p.fail(ctx, ws, log, job, err)
		return
	}
	processedPath, err := p.objects.UploadImage(ctx, res.Output, keys.Processed, "image/jpeg")
	if err != nil {
		p.fail(ctx, ws, log, job, err)
		return
	}

	elapsed := time.Since(start)
	doc := metadataDocument{
		JobID:                 job.ID,
		OriginalFilename:      job.OriginalFilename,
		OriginalImagePath:     originalPath,
		ProcessedImagePath:    processedPath,
		Analysis:              res,
		ProcessingTimeSeconds: elapsed.Seconds(),
	}
	metadataPath, err := p.objects.UploadMetadata(ctx, doc, keys.Metadata)
	if err != nil {
		p.fail(ctx, ws, log, job, err)
		return
	}

	vehicleData, _ := json.Marshal(res.Vehicle)
	faceData, _ := json.Marshal(res.Face)
	if _, err := p.records.SaveRecord(ctx, store.RecordParams{
		JobID:                 job.ID,
		OriginalFilename:      job.OriginalFilename,
		StorageOriginalPath:   originalPath,
		StorageProcessedPath:  processedPath,
		VehicleDetected:       res.Flags.VehicleDetected,
		FaceDetected:          res.Flags.FaceDetected,
		FaceBlurred:           res.Flags.FaceBlurred,
		ContentType:           job.ContentType,
		FileSizeOriginal:      int64(res.SizeOriginal),
		FileSizeProcessed:     int64(res.SizeProcessed),
		ProcessingTimeSeconds: elapsed.Seconds(),
		VehicleDetectionData:  vehicleData,
		FaceDetectionData:     faceData,
	}); err != nil {
		p.fail(ctx, ws, log, job, err)
		return
	}

	outcome := Outcome{
		JobID:                 job.ID,
		OriginalImagePath:     originalPath,
		ProcessedImagePath:    processedPath,
		MetadataPath:          metadataPath,
		Flags:                 res.Flags,
		ProcessingTimeSeconds: elapsed.Seconds(),
	}
	ws.processed.Add(1)
	ws.busyNanos.Add(int64(elapsed))
	telemetry.JobsCompleted.Inc()
	telemetry.ProcessingTime.Observe(elapsed.Seconds())
	if err := p.queue.UpdateStatus(ctx, job.ID, models.StatusCompleted, outcome); err != nil {
		log.Warn("status update failed", zap.Error(err))
	}
	log.Info("job completed",
		zap.Bool("vehicle_detected", res.Flags.VehicleDetected),
		zap.Bool("face_detected", res.Flags.FaceDetected),
		zap.Bool("face_blurred", res.Flags.FaceBlurred),
		zap.Duration("elapsed", elapsed),
	)
}

// fail converts any per-job error into a terminal failed status with the
// message as payload. The worker loop keeps running.
func (p *Pool) fail(ctx context.Context, ws *workerState, log *zap.Logger, job *models.Job, cause error) {
	ws.failed.Add(1)
	telemetry.JobsFailed.Inc()
	if err := p.queue.UpdateStatus(ctx, job.ID, models.StatusFailed, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		log.Warn("status update failed", zap.Error(err))
	}
	log.Error("job failed", zap.Error(cause))
}
