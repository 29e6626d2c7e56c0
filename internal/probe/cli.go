package probe

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/jamur/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0600
)

// SetupLogging configures logging to both console and file.
// If logFile is empty, a timestamped filename is generated.
func SetupLogging(logFile string) error {
	if logFile == "" {
		timestamp := time.Now().Format("20060102_150405")
		logFile = "probe_log_" + timestamp + ".log"
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	if err := logger.InitWithWriter(io.MultiWriter(os.Stdout, file), "text"); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return nil
}

// ShowHelp prints usage information for the probe tool.
func ShowHelp() {
	os.Stdout.WriteString(`Jamur Probe
===========

Submits a photo to the identify endpoint concurrently and reports how the
service answered.

Usage:
  go run cmd/probe/main.go -image photo.jpg [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:8080")
  -image string
        Photo to submit (required)
  -requests int
        Number of submissions (default 25)
  -workers int
        Number of concurrent submissions (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -token string
        Turnstile token sent with every submission
  -ip string
        X-Forwarded-For value sent with every submission
  -spread
        Send every submission from its own client address
  -report string
        Write a JSON report to this file
  -log string
        Log file for probe output (default: probe_log_TIMESTAMP.log)
  -verbose
        Log every response
  -help
        Show this help message

Examples:
  # Watch the rate limit kick in after 20 submissions
  go run cmd/probe/main.go -image amanita.jpg -requests 25 -ip 203.0.113.7

  # Exercise the classifier without tripping the limit
  go run cmd/probe/main.go -image amanita.jpg -requests 40 -spread -workers 4
`)
}
