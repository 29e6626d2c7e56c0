package probe

import "time"

// Config holds configuration for a probe run.
type Config struct {
	BaseURL   string        // Base URL of the service
	ImagePath string        // Photo submitted on every request
	Requests  int           // Number of submissions
	Workers   int           // Concurrent submissions in flight
	Timeout   time.Duration // HTTP request timeout
	Token     string        // Optional turnstileToken field
	ClientIP  string        // Optional X-Forwarded-For override
	Spread    bool          // Give every request its own client address
	Report    string        // Optional JSON report path
	Verbose   bool          // Log every response
}

// Outcome is the observed result of one submission.
type Outcome struct {
	Status         int           `json:"status"`
	Latency        time.Duration `json:"latency"`
	ScientificName string        `json:"scientificName,omitempty"`
	CommonName     string        `json:"commonName,omitempty"`
	Error          string        `json:"error,omitempty"`
	RetryAfter     string        `json:"retryAfter,omitempty"`
	Transport      string        `json:"transport,omitempty"`
}

// Stats summarizes a probe run.
type Stats struct {
	Submitted  int            `json:"submitted"`
	Identified int            `json:"identified"`
	Limited    int            `json:"limited"`
	Rejected   int            `json:"rejected"`
	Upstream   int            `json:"upstream"`
	Failed     int            `json:"failed"`
	ByStatus   map[int]int    `json:"byStatus"`
	Species    map[string]int `json:"species"`
	P50        time.Duration  `json:"p50"`
	P95        time.Duration  `json:"p95"`
	Max        time.Duration  `json:"max"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
	Duration   time.Duration  `json:"duration"`
}
