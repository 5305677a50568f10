package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"image-blur-pipeline/internal/config"
)

// Manager writes artifacts to an S3-compatible bucket. The pipeline never
// reads back what it writes; a reused key silently overwrites prior content,
// so callers salt their keys with a timestamp.
type Manager struct {
	client s3API
	bucket string
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// New builds an S3 client from config. A custom endpoint plus path-style
// addressing supports MinIO in local setups.
func New(ctx context.Context, cfg config.Config) (*Manager, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StorageRegion),
	}
	if cfg.StorageEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.StorageEndpoint,
					HostnameImmutable: cfg.StoragePathStyle,
					SigningRegion:     cfg.StorageRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.StoragePathStyle
	})
	return &Manager{client: client, bucket: cfg.StorageBucket}, nil
}

// NewWithClient wires the manager onto an existing client. Tests use this
// to substitute a fake.
func NewWithClient(client s3API, bucket string) *Manager {
	return &Manager{client: client, bucket: bucket}
}

// UploadImage puts raw image bytes under the given key and returns the
// canonical s3:// address.
func (m *Manager) UploadImage(ctx context.Context, data []byte, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return m.address(key), nil
}

// UploadMetadata serializes the document as indented JSON and stores it
// alongside the images.
func (m *Manager) UploadMetadata(ctx context.Context, doc any, key string) (string, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put metadata %s: %w", key, err)
	}
	return m.address(key), nil
}

func (m *Manager) address(key string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, key)
}

// ArtifactKeys derives the namespaced, timestamp-salted storage keys for one
// job so a future re-processing of the same id cannot collide.
type ArtifactKeys struct {
	Original  string
	Processed string
	Metadata  string
}

// KeysFor builds the artifact keys for a job at the given time.
func KeysFor(jobID string, now time.Time) ArtifactKeys {
	ts := now.Unix()
	return ArtifactKeys{
		Original:  fmt.Sprintf("original/%s_%d.jpg", jobID, ts),
		Processed: fmt.Sprintf("processed/%s_%d.jpg", jobID, ts),
		Metadata:  fmt.Sprintf("metadata/%s_%d.json", jobID, ts),
	}
}
