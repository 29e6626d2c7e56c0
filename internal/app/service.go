// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/okian/jamur/internal/adapters/captcha"
	"github.com/okian/jamur/internal/adapters/inat"
	redisstore "github.com/okian/jamur/internal/adapters/storage/redis"
	"github.com/okian/jamur/internal/domain/ratelimit"
	"github.com/okian/jamur/internal/domain/species"
	"github.com/okian/jamur/pkg/logger"
	"github.com/okian/jamur/pkg/metrics"
)

// Rate store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrNotStarted is returned by operations that need the components built by Start.
var ErrNotStarted = errors.New("service not started")

// Classifier turns an image into a species guess.
type Classifier interface {
	Identify(ctx context.Context, img species.Image) (species.Result, error)
}

// Service implements the API dependencies for the identification endpoint.
type Service struct {
	mu sync.RWMutex

	// Core components
	store      ratelimit.Store
	memory     *ratelimit.MemoryStore
	limiter    *ratelimit.Limiter
	verifier   *captcha.Verifier
	classifier Classifier

	// Configuration
	limit         int
	window        time.Duration
	backend       string
	maxKeys       int
	sweepInterval time.Duration
	redis         redisstore.Config

	captchaSecret string
	siteKey       string
	verifyURL     string

	inatBaseURL string
	inatToken   string
	inatMaxRPS  float64

	upstreamTimeout time.Duration
	maxUploadBytes  int64
	httpClient      *http.Client

	// Injected in tests
	customStore      ratelimit.Store
	customClassifier Classifier
	clock            func() time.Time

	// State
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithRateLimit sets the admits per window and the window length.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(s *Service) {
		if limit > 0 {
			s.limit = limit
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithMemoryStore selects the in-process rate store.
// maxKeys <= 0 keeps every identifier; sweep > 0 purges idle ones periodically.
func WithMemoryStore(maxKeys int, sweep time.Duration) Option {
	return func(s *Service) {
		s.backend = BackendMemory
		s.maxKeys = maxKeys
		s.sweepInterval = sweep
	}
}

// WithRedisStore selects the shared Redis rate store.
func WithRedisStore(cfg redisstore.Config) Option {
	return func(s *Service) {
		s.backend = BackendRedis
		s.redis = cfg
	}
}

// WithRateStore injects a ready rate store, bypassing backend selection.
func WithRateStore(store ratelimit.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.customStore = store
		}
	}
}

// WithCaptcha enables challenge verification when secret is non-empty.
func WithCaptcha(secret, siteKey, verifyURL string) Option {
	return func(s *Service) {
		s.captchaSecret = secret
		s.siteKey = siteKey
		s.verifyURL = verifyURL
	}
}

// WithINat configures the classification client.
func WithINat(baseURL, token string, maxRPS float64) Option {
	return func(s *Service) {
		s.inatBaseURL = baseURL
		s.inatToken = token
		s.inatMaxRPS = maxRPS
	}
}

// WithClassifier injects a classifier, bypassing the iNaturalist client.
func WithClassifier(c Classifier) Option {
	return func(s *Service) {
		if c != nil {
			s.customClassifier = c
		}
	}
}

// WithUpstreamTimeout bounds every outbound call.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.upstreamTimeout = d
		}
	}
}

// WithMaxUploadBytes sets the largest accepted image.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithHTTPClient sets the client shared by the outbound adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithClock replaces time.Now for the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		limit:           ratelimit.DefaultLimit,
		window:          ratelimit.DefaultWindow,
		backend:         BackendMemory,
		maxKeys:         100_000,
		inatBaseURL:     inat.DefaultBaseURL,
		verifyURL:       captcha.DefaultVerifyURL,
		upstreamTimeout: 20 * time.Second,
		maxUploadBytes:  species.MaxImageBytes,
		logger:          nil, // Will be replaced when service starts
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start builds the rate store, limiter and upstream clients.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting identification service...")

	store, err := s.buildStore(ctx)
	if err != nil {
		return err
	}
	s.store = store

	limiterOpts := []ratelimit.Option{ratelimit.WithLimit(s.limit), ratelimit.WithWindow(s.window)}
	if s.clock != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(s.clock))
	}
	s.limiter = ratelimit.New(s.store, limiterOpts...)

	client := s.httpClient
	if client == nil {
		client = &http.Client{Timeout: s.upstreamTimeout}
	}

	s.verifier = captcha.New(
		captcha.WithHTTPClient(client),
		captcha.WithVerifyURL(s.verifyURL),
		captcha.WithLogger(s.logger.Named("captcha")),
	)

	if s.customClassifier != nil {
		s.classifier = s.customClassifier
	} else {
		s.classifier = inat.New(
			inat.WithHTTPClient(client),
			inat.WithBaseURL(s.inatBaseURL),
			inat.WithAPIToken(s.inatToken),
			inat.WithMaxRPS(s.inatMaxRPS),
			inat.WithLogger(s.logger.Named("inat")),
		)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if s.memory != nil {
		s.memory.StartJanitor(bgCtx, s.sweepInterval, s.window, func(removed, remaining int) {
			metrics.UpdateRateTrackedClients(remaining)
			if removed > 0 {
				s.logger.Debug(bgCtx, "swept idle rate limit entries",
					logger.Int("removed", removed),
					logger.Int("remaining", remaining),
				)
			}
		})
	}

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info(ctx, "identification service started",
		logger.String("backend", s.backendName()),
		logger.Int("limit", s.limit),
		logger.Duration("window", s.window),
		logger.Bool("captcha", s.captchaSecret != ""),
		logger.Duration("upstreamTimeout", s.upstreamTimeout),
	)

	return nil
}

func (s *Service) buildStore(ctx context.Context) (ratelimit.Store, error) {
	if s.customStore != nil {
		return s.customStore, nil
	}

	switch s.backend {
	case BackendRedis:
		store, err := redisstore.New(ctx, s.redis)
		if err != nil {
			return nil, fmt.Errorf("build redis rate store: %w", err)
		}
		s.logger.Info(ctx, "using redis rate store", logger.String("addr", s.redis.Addr))
		return store, nil
	case BackendMemory, "":
		s.memory = ratelimit.NewMemoryStore(ratelimit.WithMaxKeys(s.maxKeys))
		s.logger.Info(ctx, "using memory rate store", logger.Int("maxKeys", s.maxKeys))
		return s.memory, nil
	default:
		return nil, fmt.Errorf("unknown rate store backend %q", s.backend)
	}
}

func (s *Service) backendName() string {
	if s.customStore != nil {
		return "custom"
	}
	return s.backend
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.logger.Info(context.Background(), "stopping identification service...")

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if closer, ok := s.store.(io.Closer); ok && s.store != s.customStore {
		if err := closer.Close(); err != nil {
			s.logger.Warn(context.Background(), "failed to close rate store", logger.Error(err))
		}
	}

	s.memory = nil
	s.started = false
	s.logger.Info(context.Background(), "identification service stopped")
}

// CheckRate records an attempt by clientID and reports whether it may proceed.
// A failing rate store admits the request.
func (s *Service) CheckRate(ctx context.Context, clientID string) ratelimit.Decision {
	s.mu.RLock()
	limiter := s.limiter
	s.mu.RUnlock()

	if limiter == nil {
		return ratelimit.Decision{Allowed: true}
	}

	decision, err := limiter.Check(ctx, clientID)
	if err != nil {
		metrics.RecordRateStoreError()
		s.logger.Error(ctx, "rate store failed, admitting request",
			logger.String("client", clientID),
			logger.Error(err),
		)
	}
	metrics.RecordRateLimitDecision(decision.Allowed)
	if !decision.Allowed {
		s.logger.Debug(ctx, "rate limit exceeded",
			logger.String("client", clientID),
			logger.Int("retryAfter", decision.RetryAfterSeconds),
		)
	}
	return decision
}

// CaptchaEnabled reports whether requests must carry a challenge token.
func (s *Service) CaptchaEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captchaSecret != ""
}

// SiteKey returns the public challenge key for the upload page.
func (s *Service) SiteKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siteKey
}

// MaxUploadBytes returns the largest accepted image.
func (s *Service) MaxUploadBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxUploadBytes
}

// VerifyCaptcha checks token for clientIP. It is true when verification is disabled.
func (s *Service) VerifyCaptcha(ctx context.Context, token, clientIP string) bool {
	s.mu.RLock()
	verifier, secret := s.verifier, s.captchaSecret
	s.mu.RUnlock()

	if secret == "" {
		return true
	}
	if verifier == nil {
		return false
	}

	if clientIP == ratelimit.UnknownClient {
		clientIP = ""
	}
	passed := verifier.Verify(ctx, token, secret, clientIP)
	metrics.RecordCaptchaVerification(passed)
	return passed
}

// Identify classifies img.
func (s *Service) Identify(ctx context.Context, img species.Image) (species.Result, error) {
	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()

	if classifier == nil {
		return species.Result{}, fmt.Errorf("%w: %w", species.ErrUpstream, ErrNotStarted)
	}

	metrics.RecordUploadSize(img.Size)
	res, err := classifier.Identify(ctx, img)
	if err != nil {
		if errors.Is(err, species.ErrNoPrediction) {
			metrics.RecordIdentification("no_prediction")
		} else {
			metrics.RecordIdentification("upstream_error")
		}
		return species.Result{}, err
	}

	metrics.RecordIdentification("ok")
	s.logger.Info(ctx, "image identified",
		logger.String("scientificName", res.ScientificName),
		logger.Int64("bytes", img.Size),
	)
	return res, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":        s.started,
		"backend":        s.backendName(),
		"limit":          s.limit,
		"windowSeconds":  int(s.window.Seconds()),
		"captchaEnabled": s.captchaSecret != "",
		"maxUploadBytes": s.maxUploadBytes,
	}

	if s.started {
		stats["uptimeSeconds"] = int(time.Since(s.startedAt).Seconds())
		if s.memory != nil {
			tracked := s.memory.Len()
			stats["trackedClients"] = tracked
			metrics.UpdateRateTrackedClients(tracked)
		}
	}

	return stats
}
