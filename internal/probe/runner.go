package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/jamur/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
	reportPermission    = 0600
)

const (
	identifyPath = "/identify"
	healthPath   = "/healthz"

	percentile50 = 50
	percentile95 = 95
	percentBase  = 100
)

// Run checks the service, submits the photo concurrently and verifies every reply.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	if err := validate(config); err != nil {
		return nil, err
	}

	logger.Get().Info(ctx, "starting jamur probe",
		logger.String("baseURL", config.BaseURL),
		logger.String("image", config.ImagePath),
		logger.Int("requests", config.Requests),
		logger.Int("workers", config.Workers),
		logger.Duration("timeout", config.Timeout),
		logger.Bool("spread", config.Spread),
		logger.Bool("verbose", config.Verbose))

	if err := checkServiceHealth(ctx, config); err != nil {
		return nil, err
	}

	photo, err := loadPhoto(config.ImagePath)
	if err != nil {
		return nil, err
	}

	stats := &Stats{StartTime: time.Now()}
	outcomes, err := submitAll(ctx, config, photo)
	if err != nil {
		return nil, fmt.Errorf("submission failed: %w", err)
	}
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	summarize(outcomes, stats)
	displayFinalStats(ctx, stats)

	if config.Report != "" {
		if err := saveReport(ctx, config.Report, stats, outcomes); err != nil {
			logger.Get().Warn(ctx, "failed to save report", logger.Error(err))
		}
	}

	if err := verifyOutcomes(outcomes); err != nil {
		return stats, err
	}

	logger.Get().Info(ctx, "probe completed successfully")
	return stats, nil
}

func validate(config *Config) error {
	switch {
	case config == nil:
		return fmt.Errorf("%w: missing config", ErrInvalidConfig)
	case config.BaseURL == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	case config.ImagePath == "":
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	case config.Requests <= 0:
		return fmt.Errorf("%w: requests must be positive", ErrInvalidConfig)
	case config.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config) error {
	logger.Get().Info(ctx, "checking service health")

	client := newHTTPClient(config.Timeout)
	resp, err := client.Get(ctx, config.BaseURL+healthPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Get().Error(context.Background(), "failed to close response body", logger.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}

	logger.Get().Info(ctx, "service is healthy")
	return nil
}

// loadPhoto reads the photo and sniffs its content type.
func loadPhoto(path string) (Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Photo{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(data) == 0 {
		return Photo{}, fmt.Errorf("%w: image %s is empty", ErrInvalidConfig, path)
	}
	return Photo{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

// submitAll fans the submissions out with at most Workers in flight.
func submitAll(ctx context.Context, config *Config, photo Photo) ([]Outcome, error) {
	logger.Get().Info(ctx, "submitting photo",
		logger.Int("requests", config.Requests),
		logger.Int("workers", config.Workers))

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + identifyPath
	outcomes := make([]Outcome, config.Requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.Workers)

	var mu sync.Mutex
	done := 0

	for i := range outcomes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := client.Submit(gctx, url, photo, config.Token, clientAddress(config, i))
			outcomes[i] = out

			if config.Verbose {
				mu.Lock()
				done++
				n := done
				mu.Unlock()
				logger.Get().Info(gctx, "response",
					logger.Int("n", n),
					logger.Int("status", out.Status),
					logger.Duration("latency", out.Latency),
					logger.String("scientificName", out.ScientificName),
					logger.String("error", out.Error),
					logger.String("transport", out.Transport))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// clientAddress picks the X-Forwarded-For value for submission i.
func clientAddress(config *Config, i int) string {
	if config.Spread {
		// 198.18.0.0/15 is reserved for benchmarking.
		return fmt.Sprintf("198.%d.%d.%d", 18+(i>>16)&1, (i>>8)&0xff, i&0xff)
	}
	return config.ClientIP
}

// summarize folds outcomes into stats.
func summarize(outcomes []Outcome, stats *Stats) {
	stats.Submitted = len(outcomes)
	stats.ByStatus = make(map[int]int)
	stats.Species = make(map[string]int)

	latencies := make([]time.Duration, 0, len(outcomes))
	for _, out := range outcomes {
		latencies = append(latencies, out.Latency)
		if out.Transport != "" && out.Status == 0 {
			stats.Failed++
			continue
		}
		stats.ByStatus[out.Status]++

		switch {
		case out.Status == http.StatusOK:
			stats.Identified++
			stats.Species[out.ScientificName]++
		case out.Status == http.StatusTooManyRequests:
			stats.Limited++
		case out.Status == http.StatusBadGateway:
			stats.Upstream++
		case out.Status >= http.StatusBadRequest && out.Status < http.StatusInternalServerError:
			stats.Rejected++
		default:
			stats.Failed++
		}
	}

	slices.Sort(latencies)
	stats.P50 = percentile(latencies, percentile50)
	stats.P95 = percentile(latencies, percentile95)
	if len(latencies) > 0 {
		stats.Max = latencies[len(latencies)-1]
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p+percentBase-1)/percentBase - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// verifyOutcomes checks every reply against the identify contract.
func verifyOutcomes(outcomes []Outcome) error {
	var errs []error
	for i, out := range outcomes {
		if out.Status == 0 {
			continue
		}
		switch {
		case out.Status == http.StatusOK && out.ScientificName == "":
			errs = append(errs, fmt.Errorf("request %d: success without scientificName", i))
		case out.Status != http.StatusOK && out.Error == "":
			errs = append(errs, fmt.Errorf("request %d: status %d without error message", i, out.Status))
		case out.Status == http.StatusTooManyRequests && out.RetryAfter == "":
			errs = append(errs, fmt.Errorf("request %d: rate limited without Retry-After", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrContract, errors.Join(errs...))
}

// saveReport writes stats and outcomes as JSON.
func saveReport(ctx context.Context, filename string, stats *Stats, outcomes []Outcome) error {
	dir := filepath.Dir(filename)
	if dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(struct {
		Stats    *Stats    `json:"stats"`
		Outcomes []Outcome `json:"outcomes"`
	}{stats, outcomes}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(filename, data, reportPermission); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	logger.Get().Info(ctx, "report saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats logs the final probe statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var successRate, requestsPerSecond float64

	if stats.Submitted > 0 {
		successRate = float64(stats.Identified) / float64(stats.Submitted) * percentBase
	}
	if stats.Duration > 0 {
		requestsPerSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}

	statuses := make([]int, 0, len(stats.ByStatus))
	for code := range stats.ByStatus {
		statuses = append(statuses, code)
	}
	slices.Sort(statuses)
	histogram := make([]string, 0, len(statuses))
	for _, code := range statuses {
		histogram = append(histogram, fmt.Sprintf("%d=%d", code, stats.ByStatus[code]))
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("submitted", stats.Submitted),
		logger.Int("identified", stats.Identified),
		logger.Int("limited", stats.Limited),
		logger.Int("rejected", stats.Rejected),
		logger.Int("upstream", stats.Upstream),
		logger.Int("failed", stats.Failed),
		logger.String("statuses", strings.Join(histogram, " ")),
		logger.Duration("p50", stats.P50),
		logger.Duration("p95", stats.P95),
		logger.Duration("max", stats.Max),
		logger.Duration("duration", stats.Duration),
		logger.Float64("successRate", successRate),
		logger.Float64("requestsPerSecond", requestsPerSecond))

	for name, n := range stats.Species {
		logger.Get().Info(ctx, "species", logger.String("scientificName", name), logger.Int("count", n))
	}
}
