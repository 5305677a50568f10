package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"image-blur-pipeline/internal/config"
	"image-blur-pipeline/internal/models"
	"image-blur-pipeline/internal/pipeline"
	"image-blur-pipeline/internal/ratelimit"
	"image-blur-pipeline/internal/store"
	"image-blur-pipeline/internal/telemetry"
)

// Pipeline is the orchestrator surface the API depends on.
type Pipeline interface {
	SubmitJob(ctx context.Context, imageBytes []byte, filename, contentType string) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*models.StatusEntry, bool, error)
	GetRecord(ctx context.Context, jobID string) (models.ProcessingRecord, error)
	QueryRecords(ctx context.Context, f store.FlagFilter) ([]models.ProcessingRecord, error)
	RecordStats(ctx context.Context) (store.Stats, error)
	QueueDepth(ctx context.Context) (int64, error)
	PipelineStats(ctx context.Context) pipeline.Stats
}

// Server wires the HTTP ingestion and status handlers.
type Server struct {
	cfg     config.Config
	pipe    Pipeline
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs the API server. The limiter may be nil to disable rate
// limiting (tests do this).
func New(cfg config.Config, pipe Pipeline, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, pipe: pipe, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload", s.handleUpload)
	r.Post("/upload-base64", s.handleUploadBase64)
	r.Post("/batch-upload", s.handleBatchUpload)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Get("/queue-status", s.handleQueueStatus)

	r.Get("/database/stats", s.handleDatabaseStats)
	r.Get("/database/images", s.handleDatabaseImages)
	r.Get("/database/image/{jobID}", s.handleDatabaseImage)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts either a multipart file or a base64 form field and
// submits one job. The response carries the job id for status polling.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var data []byte
	var filename, contentType string

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		contentType = header.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			http.Error(w, "file must be an image", http.StatusBadRequest)
			return
		}
		data, err = io.ReadAll(file)
		if err != nil {
			http.Error(w, "read upload", http.StatusBadRequest)
			return
		}
		filename = header.Filename
	case r.FormValue("image_base64") != "":
		data, err = base64.StdEncoding.DecodeString(r.FormValue("image_base64"))
		if err != nil {
			http.Error(w, "invalid base64 image data", http.StatusBadRequest)
			return
		}
		filename = r.FormValue("filename")
		contentType = r.FormValue("content_type")
	default:
		http.Error(w, "no image file or base64 data provided", http.StatusBadRequest)
		return
	}

	s.submit(w, r, data, filename, contentType)
}

type base64UploadRequest struct {
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleUploadBase64(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var req base64UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ImageBase64 == "" {
		http.Error(w, "image_base64 is required", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		http.Error(w, "invalid base64 image data", http.StatusBadRequest)
		return
	}

	s.submit(w, r, data, req.Filename, req.ContentType)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, data []byte, filename, contentType string) {
	jobID, err := s.pipe.SubmitJob(r.Context(), data, filename, contentType)
	if errors.Is(err, models.ErrEmptyPayload) {
		http.Error(w, "empty image data", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("job submission failed", zap.Error(err))
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    jobID,
		"filename":  filename,
		"file_size": len(data),
		"status":    "submitted",
		"message":   "image submitted for processing",
	})
}

// handleBatchUpload submits every valid image in a multipart batch. Files
// that are not images or are empty are counted but not submitted.
func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	jobIDs := make([]string, 0, len(files))
	var totalSize int64
	rejected := 0

	for _, header := range files {
		if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
			rejected++
			continue
		}
		file, err := header.Open()
		if err != nil {
			rejected++
			continue
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil || len(data) == 0 {
			rejected++
			continue
		}
		jobID, err := s.pipe.SubmitJob(r.Context(), data, header.Filename, header.Header.Get("Content-Type"))
		if err != nil {
			s.logger.Error("batch submission failed", zap.String("filename", header.Filename), zap.Error(err))
			rejected++
			continue
		}
		jobIDs = append(jobIDs, jobID)
		totalSize += int64(len(data))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids":         jobIDs,
		"total_files":     len(files),
		"submitted_files": len(jobIDs),
		"rejected_files":  rejected,
		"total_size":      totalSize,
		"status":          "batch_submitted",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	entry, found, err := s.pipe.GetJobStatus(r.Context(), jobID)
	if err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.PipelineStats(r.Context()))
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.pipe.QueueDepth(r.Context())
	if err != nil {
		http.Error(w, "queue status failed", http.StatusInternalServerError)
		return
	}
	utilization := 0.0
	if s.cfg.MaxQueueSize > 0 {
		utilization = float64(depth) / float64(s.cfg.MaxQueueSize) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth":       depth,
		"max_queue_size":    s.cfg.MaxQueueSize,
		"queue_utilization": utilization,
	})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipe.RecordStats(r.Context())
	if err != nil {
		http.Error(w, "database stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDatabaseImages(w http.ResponseWriter, r *http.Request) {
	filter := store.FlagFilter{
		VehicleDetected: parseBoolParam(r, "vehicle_detected"),
		FaceDetected:    parseBoolParam(r, "face_detected"),
		FaceBlurred:     parseBoolParam(r, "face_blurred"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	records, err := s.pipe.QueryRecords(r.Context(), filter)
	if err != nil {
		http.Error(w, "database query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ProcessingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images": records,
		"count":  len(records),
	})
}

func (s *Server) handleDatabaseImage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	record, err := s.pipe.GetRecord(r.Context(), jobID)
	if errors.Is(err, models.ErrRecordNotFound) {
		http.Error(w, "image record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "database query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// allow applies the per-client token bucket. A nil limiter admits everything.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseBoolParam(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &parsed
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
