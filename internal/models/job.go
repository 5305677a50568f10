package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states tracked in the Redis status store. A job ends in
// exactly one of completed, failed, or skipped and never transitions backward.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Job is one submitted image's unit of work. The payload travels with the
// job through the queue and is immutable once created.
type Job struct {
	ID               string          `json:"job_id"`
	ImagePayload     []byte          `json:"image_payload"`
	OriginalFilename string          `json:"original_filename"`
	ContentType      string          `json:"content_type"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ProcessingResult json.RawMessage `json:"processing_results,omitempty"`
}

// StatusEntry is the ephemeral per-job status record. Every transition
// overwrites it wholesale; last write wins.
type StatusEntry struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// ProcessingRecord is the durable outcome row for one completed job.
// Rows are insert-only; a second insert for the same job id fails the
// uniqueness constraint.
type ProcessingRecord struct {
	ID                    string          `json:"id"`
	JobID                 string          `json:"job_id"`
	OriginalFilename      string          `json:"original_filename"`
	StorageOriginalPath   string          `json:"storage_original_path"`
	StorageProcessedPath  string          `json:"storage_processed_path"`
	VehicleDetected       bool            `json:"vehicle_detected"`
	FaceDetected          bool            `json:"face_detected"`
	FaceBlurred           bool            `json:"face_blurred"`
	ContentType           string          `json:"content_type"`
	FileSizeOriginal      int64           `json:"file_size_original"`
	FileSizeProcessed     int64           `json:"file_size_processed"`
	ProcessingTimeSeconds float64         `json:"processing_time_seconds"`
	VehicleDetectionData  json.RawMessage `json:"vehicle_detection_data,omitempty"`
	FaceDetectionData     json.RawMessage `json:"face_detection_data,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	ProcessedAt           time.Time       `json:"processed_at"`
}
