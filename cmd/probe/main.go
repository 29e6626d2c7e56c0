package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/jamur/internal/probe"
)

// Default configuration constants.
const (
	defaultRequests     = 25
	defaultWorkers      = 2 // multiplier for runtime.NumCPU()
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "Base URL of the service")
		image    = flag.String("image", "", "Photo to submit")
		requests = flag.Int("requests", defaultRequests, "Number of submissions")
		workers  = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submissions")
		timeout  = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		token    = flag.String("token", "", "Turnstile token sent with every submission")
		clientIP = flag.String("ip", "", "X-Forwarded-For value sent with every submission")
		spread   = flag.Bool("spread", false, "Send every submission from its own client address")
		report   = flag.String("report", "", "Write a JSON report to this file")
		logFile  = flag.String("log", "", "Log file for probe output (default: probe_log_TIMESTAMP.log)")
		verbose  = flag.Bool("verbose", false, "Log every response")
		help     = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		probe.ShowHelp()
		return
	}

	if err := probe.SetupLogging(*logFile); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	config := &probe.Config{
		BaseURL:   *baseURL,
		ImagePath: *image,
		Requests:  *requests,
		Workers:   *workers,
		Timeout:   *timeout,
		Token:     *token,
		ClientIP:  *clientIP,
		Spread:    *spread,
		Report:    *report,
		Verbose:   *verbose,
	}

	if _, err := probe.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Probe failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}
