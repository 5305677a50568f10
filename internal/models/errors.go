package models

import "errors"

// Submission-time errors are returned synchronously to the caller; per-job
// errors surface as a terminal failed status instead.
var (
	// ErrEmptyPayload rejects a submission with no image bytes.
	ErrEmptyPayload = errors.New("empty image payload")

	// ErrDuplicateRecord is returned when a processing record already exists
	// for the job id.
	ErrDuplicateRecord = errors.New("processing record already exists for job")

	// ErrRecordNotFound is returned when no processing record matches.
	ErrRecordNotFound = errors.New("processing record not found")
)
