package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	puts []*s3.PutObjectInput
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func TestUploadImage(t *testing.T) {
	fake := &fakeS3{}
	m := NewWithClient(fake, "vehicle-images")

	path, err := m.UploadImage(context.Background(), []byte("jpeg bytes"), "original/abc_1.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if path != "s3://vehicle-images/original/abc_1.jpg" {
		t.Fatalf("unexpected address %q", path)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("expected one put, got %d", len(fake.puts))
	}

	put := fake.puts[0]
	if *put.Bucket != "vehicle-images" || *put.Key != "original/abc_1.jpg" {
		t.Fatalf("wrong destination: %s/%s", *put.Bucket, *put.Key)
	}
	if *put.ContentType != "image/jpeg" {
		t.Fatalf("content type: %s", *put.ContentType)
	}
	body, _ := io.ReadAll(put.Body)
	if string(body) != "jpeg bytes" {
		t.Fatalf("body not forwarded: %q", body)
	}
}

func TestUploadImageDefaultsContentType(t *testing.T) {
	fake := &fakeS3{}
	m := NewWithClient(fake, "b")

	if _, err := m.UploadImage(context.Background(), []byte("x"), "k", ""); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if *fake.puts[0].ContentType != "image/jpeg" {
		t.Fatalf("expected jpeg default, got %s", *fake.puts[0].ContentType)
	}
}

func TestUploadImageError(t *testing.T) {
	fake := &fakeS3{err: errors.New("access denied")}
	m := NewWithClient(fake, "b")

	if _, err := m.UploadImage(context.Background(), []byte("x"), "k", "image/png"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestUploadMetadata(t *testing.T) {
	fake := &fakeS3{}
	m := NewWithClient(fake, "vehicle-images")

	doc := map[string]any{"job_id": "abc", "vehicle_detected": true}
	path, err := m.UploadMetadata(context.Background(), doc, "metadata/abc_1.json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if path != "s3://vehicle-images/metadata/abc_1.json" {
		t.Fatalf("unexpected address %q", path)
	}

	put := fake.puts[0]
	if *put.ContentType != "application/json" {
		t.Fatalf("content type: %s", *put.ContentType)
	}
	body, _ := io.ReadAll(put.Body)
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("stored metadata is not valid JSON: %v", err)
	}
	if parsed["job_id"] != "abc" {
		t.Fatalf("metadata mangled: %v", parsed)
	}
}

func TestKeysFor(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keys := KeysFor("abc-123", now)

	if keys.Original != "original/abc-123_1700000000.jpg" {
		t.Fatalf("original key: %s", keys.Original)
	}
	if keys.Processed != "processed/abc-123_1700000000.jpg" {
		t.Fatalf("processed key: %s", keys.Processed)
	}
	if keys.Metadata != "metadata/abc-123_1700000000.json" {
		t.Fatalf("metadata key: %s", keys.Metadata)
	}
	for _, k := range []string{keys.Original, keys.Processed, keys.Metadata} {
		if strings.Contains(k, " ") {
			t.Fatalf("key contains whitespace: %q", k)
		}
	}
}
