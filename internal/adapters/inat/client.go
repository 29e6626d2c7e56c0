// Package inat is the iNaturalist computer-vision classification client.
package inat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/jamur/internal/domain/species"
	"github.com/okian/jamur/pkg/logger"
	"github.com/okian/jamur/pkg/metrics"
)

// DefaultBaseURL is the public iNaturalist API root.
const DefaultBaseURL = "https://api.inaturalist.org/v1"

const (
	scorePath      = "/computervision/score_image"
	imageField     = "image"
	defaultTimeout = 20 * time.Second
	maxErrorBody   = 4 * 1024
	maxReplyBytes  = 4 * 1024 * 1024
)

// Classification outcomes reported to metrics.
const (
	outcomeSuccess      = "success"
	outcomeStatus       = "status_error"
	outcomeTransport    = "transport_error"
	outcomeDecode       = "decode_error"
	outcomeNoPrediction = "no_prediction"
	outcomeThrottled    = "throttled"
)

// Client submits images to score_image.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
	limiter  *rate.Limiter
	logger   logger.Logger
}

// Option applies a configuration option to the Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRPS     float64
	logger     logger.Logger
}

// WithHTTPClient sets the client used for uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithBaseURL overrides the API root. A trailing slash is trimmed.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) {
		if strings.TrimSpace(u) != "" {
			o.baseURL = u
		}
	}
}

// WithAPIToken sends token as the Authorization header.
func WithAPIToken(token string) Option {
	return func(o *clientOptions) { o.token = strings.TrimSpace(token) }
}

// WithMaxRPS caps outbound calls per second. Zero or less disables the cap.
func WithMaxRPS(rps float64) Option {
	return func(o *clientOptions) { o.maxRPS = rps }
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	o := clientOptions{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		http:     o.httpClient,
		endpoint: strings.TrimSuffix(o.baseURL, "/") + scorePath,
		token:    o.token,
		logger:   o.logger,
	}
	if o.maxRPS > 0 {
		burst := int(o.maxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(o.maxRPS), burst)
	}
	return c
}

// Endpoint returns the score_image URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

// Identify uploads img and returns the top-ranked species.
// Every error is an *Error wrapping species.ErrUpstream.
func (c *Client) Identify(ctx context.Context, img species.Image) (species.Result, error) {
	start := time.Now()
	res, outcome, err := c.identify(ctx, img)
	metrics.RecordClassificationLatency(outcome, float64(time.Since(start).Milliseconds()))
	if err != nil && c.logger != nil {
		c.logger.Warn(ctx, "classification failed",
			logger.String("outcome", outcome),
			logger.Duration("took", time.Since(start)),
			logger.Error(err))
	}
	return res, err
}

func (c *Client) identify(ctx context.Context, img species.Image) (species.Result, string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return species.Result{}, outcomeThrottled, newError(0, msgUnreachable, err, nil)
		}
	}

	body, contentType, err := encodeImage(img)
	if err != nil {
		return species.Result{}, outcomeTransport, newError(0, msgUnreachable, err, nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return species.Result{}, outcomeTransport, newError(0, msgUnreachable, err, nil)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return species.Result{}, outcomeTransport, newError(0, msgUnreachable, err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readErrorBody(resp)
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		msg := fmt.Sprintf(msgStatusFormat, resp.StatusCode, detail)
		return species.Result{}, outcomeStatus, newError(resp.StatusCode, msg, nil, nil)
	}

	var payload scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&payload); err != nil {
		return species.Result{}, outcomeDecode, newError(resp.StatusCode, msgBadPayload, err, nil)
	}

	top := payload.topTaxon()
	if top == nil {
		return species.Result{}, outcomeNoPrediction,
			newError(resp.StatusCode, msgNoPrediction, nil, species.ErrNoPrediction)
	}

	return species.NewResult(top.scientific(), top.common()), outcomeSuccess, nil
}

// encodeImage builds the multipart body with the bytes under "image".
func encodeImage(img species.Image) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, imageField, quoteEscaper.Replace(img.UploadName())))
	if img.ContentType != "" {
		h.Set("Content-Type", img.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// readErrorBody reads a bounded, trimmed prefix of a failed reply.
func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(b))
}
