package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDetector calls an external inference endpoint with the raw image bytes
// and parses the detections it returns. The model itself stays out of
// process; this client is the only coupling.
type HTTPDetector struct {
	url        string
	httpClient *http.Client
}

// NewHTTPDetector builds a detector client for the given endpoint.
func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDetector{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

// Detect posts the image and returns the reported boxes. Any non-2xx reply
// is an error; the caller converts it into a failed job.
func (d *HTTPDetector) Detect(ctx context.Context, imageBytes []byte) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call detector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return parsed.Detections, nil
}
