package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"image-blur-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of processing records.
// Records are insert-only; there is no upsert path.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS processed_images (
	id UUID PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE,
	original_filename TEXT NOT NULL,
	storage_original_path TEXT,
	storage_processed_path TEXT,
	vehicle_detected BOOLEAN NOT NULL DEFAULT FALSE,
	face_detected BOOLEAN NOT NULL DEFAULT FALSE,
	face_blurred BOOLEAN NOT NULL DEFAULT FALSE,
	content_type TEXT,
	file_size_original BIGINT,
	file_size_processed BIGINT,
	processing_time_seconds DOUBLE PRECISION,
	vehicle_detection_data JSONB,
	face_detection_data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_processed_images_flags
	ON processed_images (vehicle_detected, face_detected, face_blurred);
`

// EnsureSchema creates the processed_images table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecordParams collects the inputs for one processing record insert.
type RecordParams struct {
	JobID                 string
	OriginalFilename      string
	StorageOriginalPath   string
	StorageProcessedPath  string
	VehicleDetected       bool
	FaceDetected          bool
	FaceBlurred           bool
	ContentType           string
	FileSizeOriginal      int64
	FileSizeProcessed     int64
	ProcessingTimeSeconds float64
	VehicleDetectionData  json.RawMessage
	FaceDetectionData     json.RawMessage
}

// SaveRecord inserts one row. A second insert for the same job id returns
// models.ErrDuplicateRecord; the uniqueness constraint is the only safeguard
// against duplicate terminal writes.
func (s *Store) SaveRecord(ctx context.Context, p RecordParams) (models.ProcessingRecord, error) {
	now := time.Now().UTC()
	rec := models.ProcessingRecord{
		ID:                    uuid.New().String(),
		JobID:                 p.JobID,
		OriginalFilename:      p.OriginalFilename,
		StorageOriginalPath:   p.StorageOriginalPath,
		StorageProcessedPath:  p.StorageProcessedPath,
		VehicleDetected:       p.VehicleDetected,
		FaceDetected:          p.FaceDetected,
		FaceBlurred:           p.FaceBlurred,
		ContentType:           p.ContentType,
		FileSizeOriginal:      p.FileSizeOriginal,
		FileSizeProcessed:     p.FileSizeProcessed,
		ProcessingTimeSeconds: p.ProcessingTimeSeconds,
		VehicleDetectionData:  p.VehicleDetectionData,
		FaceDetectionData:     p.FaceDetectionData,
		CreatedAt:             now,
		ProcessedAt:           now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_images (
			id, job_id, original_filename, storage_original_path, storage_processed_path,
			vehicle_detected, face_detected, face_blurred,
			content_type, file_size_original, file_size_processed, processing_time_seconds,
			vehicle_detection_data, face_detection_data, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, rec.ID, rec.JobID, rec.OriginalFilename, rec.StorageOriginalPath, rec.StorageProcessedPath,
		rec.VehicleDetected, rec.FaceDetected, rec.FaceBlurred,
		rec.ContentType, rec.FileSizeOriginal, rec.FileSizeProcessed, rec.ProcessingTimeSeconds,
		nullableJSON(rec.VehicleDetectionData), nullableJSON(rec.FaceDetectionData), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ProcessingRecord{}, fmt.Errorf("%w: %s", models.ErrDuplicateRecord, p.JobID)
		}
		return models.ProcessingRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

const recordColumns = `
	id, job_id, original_filename, storage_original_path, storage_processed_path,
	vehicle_detected, face_detected, face_blurred,
	content_type, file_size_original, file_size_processed, processing_time_seconds,
	vehicle_detection_data, face_detection_data, created_at, processed_at
`

// GetByJobID fetches the record for a job, or models.ErrRecordNotFound.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (models.ProcessingRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM processed_images WHERE job_id = $1`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingRecord{}, fmt.Errorf("%w: %s", models.ErrRecordNotFound, jobID)
	}
	if err != nil {
		return models.ProcessingRecord{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// FlagFilter narrows a record query. Nil fields are unconstrained.
type FlagFilter struct {
	VehicleDetected *bool
	FaceDetected    *bool
	FaceBlurred     *bool
	Limit           int
}

// QueryByFlags returns records matching every set filter, newest first,
// bounded by the limit (default 100).
func (s *Store) QueryByFlags(ctx context.Context, f FlagFilter) ([]models.ProcessingRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var conds []string
	var args []any
	addCond := func(column string, value *bool) {
		if value == nil {
			return
		}
		args = append(args, *value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCond("vehicle_detected", f.VehicleDetected)
	addCond("face_detected", f.FaceDetected)
	addCond("face_blurred", f.FaceBlurred)

	query := `SELECT ` + recordColumns + ` FROM processed_images`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []models.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats aggregates per-flag counts and rates over every record.
type Stats struct {
	TotalImagesProcessed  int64   `json:"total_images_processed"`
	VehicleDetectionCount int64   `json:"vehicle_detection_count"`
	FaceDetectionCount    int64   `json:"face_detection_count"`
	FaceBlurCount         int64   `json:"face_blur_count"`
	VehicleDetectionRate  float64 `json:"vehicle_detection_rate"`
	FaceDetectionRate     float64 `json:"face_detection_rate"`
	FaceBlurRate          float64 `json:"face_blur_rate"`
}

// GetStats counts records per flag and derives percentage rates. An empty
// table yields zero rates rather than a division error.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE vehicle_detected),
			COUNT(*) FILTER (WHERE face_detected),
			COUNT(*) FILTER (WHERE face_blurred)
		FROM processed_images
	`).Scan(&st.TotalImagesProcessed, &st.VehicleDetectionCount, &st.FaceDetectionCount, &st.FaceBlurCount)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}
	return withRates(st), nil
}

// withRates fills the percentage fields from the counts.
func withRates(st Stats) Stats {
	st.VehicleDetectionRate = percentage(st.VehicleDetectionCount, st.TotalImagesProcessed)
	st.FaceDetectionRate = percentage(st.FaceDetectionCount, st.TotalImagesProcessed)
	st.FaceBlurRate = percentage(st.FaceBlurCount, st.TotalImagesProcessed)
	return st
}

func percentage(count, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

func scanRecord(row pgx.Row) (models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	var vehicleData, faceData []byte
	err := row.Scan(&rec.ID, &rec.JobID, &rec.OriginalFilename, &rec.StorageOriginalPath, &rec.StorageProcessedPath,
		&rec.VehicleDetected, &rec.FaceDetected, &rec.FaceBlurred,
		&rec.ContentType, &rec.FileSizeOriginal, &rec.FileSizeProcessed, &rec.ProcessingTimeSeconds,
		&vehicleData, &faceData, &rec.CreatedAt, &rec.ProcessedAt)
	if err != nil {
		return models.ProcessingRecord{}, err
	}
	rec.VehicleDetectionData = json.RawMessage(vehicleData)
	rec.FaceDetectionData = json.RawMessage(faceData)
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
