package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"
)

// Form fields accepted by the identify endpoint.
const (
	imageField = "image"
	tokenField = "turnstileToken"
	maxReply   = 1 << 20
)

// Photo is the file submitted by the probe.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// Submit posts the photo as a multipart upload and decodes the reply.
func (c *HTTPClient) Submit(ctx context.Context, url string, photo Photo, token, clientIP string) Outcome {
	start := time.Now()

	body, contentType, err := encodePhoto(photo, token)
	if err != nil {
		return Outcome{Transport: err.Error(), Latency: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Outcome{Transport: err.Error(), Latency: time.Since(start)}
	}
	req.Header.Set("Content-Type", contentType)
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{Transport: err.Error(), Latency: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	out := Outcome{
		Status:     resp.StatusCode,
		Latency:    time.Since(start),
		RetryAfter: resp.Header.Get("Retry-After"),
	}
	if err != nil {
		out.Transport = err.Error()
		return out
	}

	var reply struct {
		ScientificName string `json:"scientificName"`
		CommonName     string `json:"commonName"`
		Error          string `json:"error"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		out.Error = strings.TrimSpace(string(raw))
		return out
	}
	out.ScientificName = reply.ScientificName
	out.CommonName = reply.CommonName
	out.Error = reply.Error
	return out
}

func encodePhoto(photo Photo, token string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, imageField, filepath.Base(photo.Name)))
	h.Set("Content-Type", photo.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(photo.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write image part: %w", err)
	}

	if token != "" {
		if err := mw.WriteField(tokenField, token); err != nil {
			return nil, "", fmt.Errorf("failed to write token field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
