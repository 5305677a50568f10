package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"image-blur-pipeline/internal/analyzer"
	"image-blur-pipeline/internal/models"
	"image-blur-pipeline/internal/store"
)

type fakeQueue struct {
	jobs chan *models.Job

	mu       sync.Mutex
	statuses map[string][]string
	results  map[string]any
}

func newFakeQueue(buffer int) *fakeQueue {
	return &fakeQueue{
		jobs:     make(chan *models.Job, buffer),
		statuses: make(map[string][]string),
		results:  make(map[string]any),
	}
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) UpdateStatus(_ context.Context, jobID, status string, results any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[jobID] = append(q.statuses[jobID], status)
	q.results[jobID] = results
	return nil
}

func (q *fakeQueue) Depth(_ context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

func (q *fakeQueue) transitions(jobID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.statuses[jobID]...)
}

func (q *fakeQueue) lastStatus(jobID string) string {
	ts := q.transitions(jobID)
	if len(ts) == 0 {
		return ""
	}
	return ts[len(ts)-1]
}

type fakeObjects struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (o *fakeObjects) UploadImage(_ context.Context, _ []byte, key, _ string) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, key)
	return "s3://test-bucket/" + key, nil
}

func (o *fakeObjects) UploadMetadata(_ context.Context, _ any, key string) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, key)
	return "s3://test-bucket/" + key, nil
}

func (o *fakeObjects) keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.uploads...)
}

type fakeRecords struct {
	mu    sync.Mutex
	saved []store.RecordParams
	err   error
}

func (r *fakeRecords) SaveRecord(_ context.Context, p store.RecordParams) (models.ProcessingRecord, error) {
	if r.err != nil {
		return models.ProcessingRecord{}, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, p)
	return models.ProcessingRecord{JobID: p.JobID}, nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

type fakeAnalyzer struct {
	fn func(jobPayload []byte) (*analyzer.Result, error)
}

func (a *fakeAnalyzer) Analyze(_ context.Context, imageBytes []byte) (*analyzer.Result, error) {
	return a.fn(imageBytes)
}

func resultWithFlags(vehicle, face, blurred bool, output []byte) *analyzer.Result {
	res := &analyzer.Result{
		Output:        output,
		SizeOriginal:  len(output),
		SizeProcessed: len(output),
	}
	res.Flags = analyzer.Flags{VehicleDetected: vehicle, FaceDetected: face, FaceBlurred: blurred}
	res.Vehicle.VehicleDetected = vehicle
	res.Face.FacesDetected = face
	return res
}

func job(id string) *models.Job {
	return &models.Job{
		ID:               id,
		ImagePayload:     []byte("payload-" + id),
		OriginalFilename: id + ".jpg",
		ContentType:      "image/jpeg",
		Status:           models.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolCompletesJob(t *testing.T) {
	q := newFakeQueue(4)
	objects := &fakeObjects{}
	records := &fakeRecords{}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		return resultWithFlags(true, true, true, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)
	defer pool.Stop()

	q.jobs <- job("job-1")
	waitFor(t, func() bool { return models.IsTerminal(q.lastStatus("job-1")) })

	if got := q.transitions("job-1"); len(got) != 2 || got[0] != models.StatusProcessing || got[1] != models.StatusCompleted {
		t.Fatalf("unexpected transitions: %v", got)
	}
	if records.count() != 1 {
		t.Fatalf("expected 1 record, got %d", records.count())
	}
	keys := objects.keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 artifact uploads, got %v", keys)
	}
	for _, prefix := range []string{"original/", "processed/", "metadata/"} {
		found := false
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %s artifact in %v", prefix, keys)
		}
	}
	st := pool.Stats()
	if st.Processed != 1 || st.Failed != 0 || st.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPoolSkipsWhenNoVehicle(t *testing.T) {
	q := newFakeQueue(4)
	objects := &fakeObjects{}
	records := &fakeRecords{}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		return resultWithFlags(false, true, false, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)
	defer pool.Stop()

	q.jobs <- job("job-1")
	waitFor(t, func() bool { return models.IsTerminal(q.lastStatus("job-1")) })

	if q.lastStatus("job-1") != models.StatusSkipped {
		t.Fatalf("expected skipped, got %s", q.lastStatus("job-1"))
	}
	if len(objects.keys()) != 0 {
		t.Fatalf("skip must not upload artifacts, got %v", objects.keys())
	}
	if records.count() != 0 {
		t.Fatalf("skip must not persist a record, got %d", records.count())
	}
}

func TestPoolFailsJobAndKeepsRunning(t *testing.T) {
	q := newFakeQueue(4)
	objects := &fakeObjects{}
	records := &fakeRecords{}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		if strings.Contains(string(payload), "bad") {
			return nil, errors.New("model choked")
		}
		return resultWithFlags(true, false, false, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)
	defer pool.Stop()

	q.jobs <- job("bad-job")
	q.jobs <- job("good-job")
	waitFor(t, func() bool {
		return models.IsTerminal(q.lastStatus("bad-job")) && models.IsTerminal(q.lastStatus("good-job"))
	})

	if q.lastStatus("bad-job") != models.StatusFailed {
		t.Fatalf("expected failed, got %s", q.lastStatus("bad-job"))
	}
	if q.lastStatus("good-job") != models.StatusCompleted {
		t.Fatalf("worker loop should survive a failed job, got %s", q.lastStatus("good-job"))
	}

	q.mu.Lock()
	failure, ok := q.results["bad-job"].(map[string]any)
	q.mu.Unlock()
	if !ok || failure["error"] == "" {
		t.Fatalf("expected error message in failed status payload, got %v", failure)
	}
}

func TestPoolFailsOnUploadError(t *testing.T) {
	q := newFakeQueue(4)
	objects := &fakeObjects{err: errors.New("bucket gone")}
	records := &fakeRecords{}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		return resultWithFlags(true, true, true, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)
	defer pool.Stop()

	q.jobs <- job("job-1")
	waitFor(t, func() bool { return models.IsTerminal(q.lastStatus("job-1")) })

	if q.lastStatus("job-1") != models.StatusFailed {
		t.Fatalf("expected failed, got %s", q.lastStatus("job-1"))
	}
	if records.count() != 0 {
		t.Fatal("no record should be written after a failed upload")
	}
}

func TestPoolFailsOnRecordError(t *testing.T) {
	q := newFakeQueue(4)
	objects := &fakeObjects{}
	records := &fakeRecords{err: models.ErrDuplicateRecord}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		return resultWithFlags(true, false, false, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)
	defer pool.Stop()

	q.jobs <- job("job-1")
	waitFor(t, func() bool { return models.IsTerminal(q.lastStatus("job-1")) })

	if q.lastStatus("job-1") != models.StatusFailed {
		t.Fatalf("expected failed, got %s", q.lastStatus("job-1"))
	}
}

func TestPoolManyWorkersManyJobs(t *testing.T) {
	const jobs = 20
	q := newFakeQueue(jobs)
	objects := &fakeObjects{}
	records := &fakeRecords{}
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		return resultWithFlags(true, false, false, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 4)
	defer pool.Stop()

	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		ids = append(ids, id)
		q.jobs <- job(id)
	}

	waitFor(t, func() bool {
		for _, id := range ids {
			if !models.IsTerminal(q.lastStatus(id)) {
				return false
			}
		}
		return true
	})

	// Exactly one PROCESSING and one terminal transition per job: the
	// queue's atomic pop is the only thing preventing double work.
	for _, id := range ids {
		got := q.transitions(id)
		if len(got) != 2 {
			t.Fatalf("job %s saw transitions %v", id, got)
		}
		if got[0] != models.StatusProcessing || !models.IsTerminal(got[1]) {
			t.Fatalf("job %s bad transition order %v", id, got)
		}
	}
	if records.count() != jobs {
		t.Fatalf("expected %d records, got %d", jobs, records.count())
	}
	st := pool.Stats()
	if st.Processed != jobs {
		t.Fatalf("expected %d processed, got %d", jobs, st.Processed)
	}
}

func TestPoolStopIsCooperative(t *testing.T) {
	q := newFakeQueue(1)
	objects := &fakeObjects{}
	records := &fakeRecords{}
	started := make(chan struct{})
	release := make(chan struct{})
	az := &fakeAnalyzer{fn: func(payload []byte) (*analyzer.Result, error) {
		close(started)
		<-release
		return resultWithFlags(true, false, false, payload), nil
	}}

	pool := NewPool(q, objects, records, az, zap.NewNop())
	pool.Start(context.Background(), 1)

	q.jobs <- job("job-1")
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	// Stop must wait for the in-flight job rather than interrupt it.
	select {
	case <-done:
		t.Fatal("Stop returned while a job was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	if q.lastStatus("job-1") != models.StatusCompleted {
		t.Fatalf("in-flight job should run to terminal status, got %s", q.lastStatus("job-1"))
	}
}
