// Package captcha verifies bot-challenge tokens against Cloudflare Turnstile.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/jamur/pkg/logger"
)

// DefaultVerifyURL is Turnstile's server-side verification endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const (
	defaultTimeout = 20 * time.Second
	maxReplyBytes  = 64 * 1024
)

// siteverifyResponse is the subset of the siteverify reply we read.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// Verifier checks a client token with the challenge provider.
type Verifier struct {
	client    *http.Client
	verifyURL string
	logger    logger.Logger
}

// Option applies a configuration option to the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the client used for the outbound call.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		if client != nil {
			v.client = client
		}
	}
}

// WithVerifyURL overrides the verification endpoint.
func WithVerifyURL(u string) Option {
	return func(v *Verifier) {
		if strings.TrimSpace(u) != "" {
			v.verifyURL = u
		}
	}
}

// WithLogger sets the logger for verification failures.
func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		client:    &http.Client{Timeout: defaultTimeout},
		verifyURL: DefaultVerifyURL,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether token is accepted for clientIP.
//
// Every failure (empty token, transport error, non-2xx status, undecodable
// reply) yields false; nothing is returned to the caller as an error.
func (v *Verifier) Verify(ctx context.Context, token, secret, clientIP string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}

	form := url.Values{}
	form.Set("secret", secret)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		v.warn(ctx, "build siteverify request", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.warn(ctx, "siteverify request", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.warn(ctx, "siteverify status", fmt.Errorf("unexpected status %d", resp.StatusCode))
		return false
	}

	var body siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&body); err != nil {
		v.warn(ctx, "decode siteverify reply", err)
		return false
	}

	if !body.Success && v.logger != nil {
		v.logger.Debug(ctx, "challenge token rejected", logger.Any("error_codes", body.ErrorCodes))
	}
	return body.Success
}

func (v *Verifier) warn(ctx context.Context, step string, err error) {
	if v.logger == nil {
		return
	}
	v.logger.Warn(ctx, "turnstile verification failed", logger.String("step", step), logger.Error(err))
}
