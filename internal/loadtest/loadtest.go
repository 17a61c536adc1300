// Package loadtest drives a running sealed-store server with concurrent
// secret and blob traffic and tracks results against a stored baseline.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// Workload names a traffic pattern.
type Workload string

const (
	// WorkloadSecrets puts, reads back and deletes secrets.
	WorkloadSecrets Workload = "secrets"
	// WorkloadBlobs uploads, streams back and deletes blobs.
	WorkloadBlobs Workload = "blobs"
)

// Config holds configuration for a load test run.
type Config struct {
	BaseURL             string
	Workload            Workload
	NumWorkers          int
	Duration            time.Duration
	QPS                 int   // per worker
	PayloadSize         int64 // secret value or blob size in bytes
	BaselineFile        string
	RegressionThreshold float64 // percent
	Client              *http.Client
}

// Metrics holds the results of a run.
type Metrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	IntegrityFailures  int64         `json:"integrity_failures"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *Metrics
	CurrentMetrics        *Metrics
	LatencyRegression     float64 // percent change in average latency
	ThroughputRegression  float64 // percent change in throughput
	ErrorRateRegression   float64 // change in percentage points
	SignificantRegression bool
	Details               []string
}

// Run executes the configured workload until cfg.Duration elapses or ctx is
// canceled.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Metrics, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.NumWorkers <= 0 || cfg.QPS <= 0 {
		return nil, fmt.Errorf("workers and qps must be positive")
	}
	var op func(ctx context.Context, r *runner) (sent, received int64, err error)
	switch cfg.Workload {
	case WorkloadSecrets:
		op = secretRoundTrip
	case WorkloadBlobs:
		op = blobRoundTrip
	default:
		return nil, fmt.Errorf("unknown workload %q", cfg.Workload)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	logger.WithFields(logrus.Fields{
		"workload": cfg.Workload,
		"workers":  cfg.NumWorkers,
		"duration": cfg.Duration,
		"qps":      cfg.QPS,
		"payload":  cfg.PayloadSize,
	}).Info("Starting load test")

	results := &Metrics{
		Timestamp:  time.Now(),
		TestName:   string(cfg.Workload) + "_load_test",
		MinLatency: time.Hour,
	}

	var (
		wg          sync.WaitGroup
		latencies   []time.Duration
		latenciesMu sync.Mutex
	)

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	start := time.Now()

	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := &runner{cfg: cfg, client: client}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}

				reqStart := time.Now()
				sent, received, err := op(runCtx, r)
				latency := time.Since(reqStart)

				if runCtx.Err() != nil {
					// Requests cut off by the deadline are not counted.
					return
				}

				atomic.AddInt64(&results.TotalRequests, 1)
				atomic.AddInt64(&results.TotalBytesSent, sent)
				atomic.AddInt64(&results.TotalBytesReceived, received)
				if err != nil {
					atomic.AddInt64(&results.FailedRequests, 1)
					if err == errIntegrity {
						atomic.AddInt64(&results.IntegrityFailures, 1)
					}
					logger.WithError(err).Debug("Load test request failed")
					continue
				}
				atomic.AddInt64(&results.SuccessfulRequests, 1)

				latenciesMu.Lock()
				latencies = append(latencies, latency)
				if latency < results.MinLatency {
					results.MinLatency = latency
				}
				if latency > results.MaxLatency {
					results.MaxLatency = latency
				}
				latenciesMu.Unlock()
			}
		}()
	}

	wg.Wait()
	results.Duration = time.Since(start)

	if len(latencies) == 0 {
		results.MinLatency = 0
	} else {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		results.AvgLatency = averageLatency(latencies)
		results.P50Latency = percentileLatency(latencies, 0.5)
		results.P95Latency = percentileLatency(latencies, 0.95)
		results.P99Latency = percentileLatency(latencies, 0.99)
	}
	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	if results.TotalRequests > 0 {
		results.ErrorRate = float64(results.FailedRequests) / float64(results.TotalRequests)
	}
	return results, nil
}

var errIntegrity = fmt.Errorf("read back data does not match what was written")

type runner struct {
	cfg    Config
	client *http.Client
}

func (r *runner) do(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: status %d, want %d", method, path, resp.StatusCode, want)
	}
	return data, nil
}

func (r *runner) payload() ([]byte, error) {
	buf := make([]byte, r.cfg.PayloadSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// secretRoundTrip stores a hex-safe value, reads it back and deletes it.
func secretRoundTrip(ctx context.Context, r *runner) (int64, int64, error) {
	raw, err := r.payload()
	if err != nil {
		return 0, 0, err
	}
	value := []byte(fmt.Sprintf("%x", raw))
	path := "/v1/secrets/loadtest-" + uuid.NewString()

	if _, err := r.do(ctx, http.MethodPut, path, value, http.StatusNoContent); err != nil {
		return 0, 0, err
	}
	got, err := r.do(ctx, http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return int64(len(value)), 0, err
	}
	if !bytes.Equal(got, value) {
		return int64(len(value)), int64(len(got)), errIntegrity
	}
	if _, err := r.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent); err != nil {
		return int64(len(value)), int64(len(got)), err
	}
	return int64(len(value)), int64(len(got)), nil
}

// blobRoundTrip uploads a random blob, streams it back and deletes it.
func blobRoundTrip(ctx context.Context, r *runner) (int64, int64, error) {
	data, err := r.payload()
	if err != nil {
		return 0, 0, err
	}
	path := "/v1/blobs/loadtest-" + uuid.NewString()

	if _, err := r.do(ctx, http.MethodPut, path, data, http.StatusCreated); err != nil {
		return 0, 0, err
	}
	got, err := r.do(ctx, http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return int64(len(data)), 0, err
	}
	if !bytes.Equal(got, data) {
		return int64(len(data)), int64(len(got)), errIntegrity
	}
	if _, err := r.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent); err != nil {
		return int64(len(data)), int64(len(got)), err
	}
	return int64(len(data)), int64(len(got)), nil
}

// averageLatency expects a non-empty slice.
func averageLatency(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// percentileLatency expects a sorted, non-empty slice.
func percentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	index := int(float64(len(sorted)-1) * percentile)
	return sorted[index]
}

// SaveBaseline writes m to filename.
func SaveBaseline(m *Metrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// LoadBaseline reads metrics written by SaveBaseline.
func LoadBaseline(filename string) (*Metrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AnalyzeRegression compares current against the baseline in baselineFile.
// Only slower latency, lower throughput or a higher error rate count.
func AnalyzeRegression(current *Metrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := LoadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
	}

	if baseline.AvgLatency > 0 {
		change := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if -change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	change := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = change * 100
	if change > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change*100))
	}

	if current.IntegrityFailures > 0 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("%d responses did not match the data written", current.IntegrityFailures))
	}

	return result, nil
}

// PrintResults writes a human-readable summary of m.
func PrintResults(w io.Writer, m *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", m.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", m.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", m.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", m.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", m.FailedRequests)
	fmt.Fprintf(w, "Integrity Failures: %d\n", m.IntegrityFailures)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", m.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", m.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", m.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", m.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", m.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", m.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", m.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", m.MaxLatency)
	fmt.Fprintf(w, "Total Bytes Sent: %d\n", m.TotalBytesSent)
	fmt.Fprintf(w, "Total Bytes Received: %d\n", m.TotalBytesReceived)
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegression writes a summary of result.
func PrintRegression(w io.Writer, result *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", result.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", result.ErrorRateRegression)
	if len(result.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, detail := range result.Details {
			fmt.Fprintf(w, "- %s\n", detail)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// serverQueries are evaluated against Prometheus after a run.
var serverQueries = map[string]string{
	"http_request_duration_p95":    `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`,
	"store_operation_duration_p95": `histogram_quantile(0.95, sum(rate(sealed_store_operation_duration_seconds_bucket[5m])) by (le))`,
	"authentication_failures":      `sum(increase(sealed_store_authentication_failures_total[5m]))`,
	"memory_alloc_bytes":           `avg_over_time(memory_alloc_bytes[5m])`,
	"goroutines":                   `avg_over_time(goroutines[5m])`,
}

// QueryPrometheusMetrics reads server-side metrics for the window ending at
// end. Queries that return no samples are omitted.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, end time.Time, logger *logrus.Logger) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	promAPI := v1.NewAPI(client)

	results := make(map[string]float64)
	for name, query := range serverQueries {
		value, warnings, err := promAPI.Query(ctx, query, end)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 && logger != nil {
			logger.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}

		switch v := value.(type) {
		case model.Vector:
			if len(v) > 0 && !math.IsNaN(float64(v[0].Value)) {
				results[name] = float64(v[0].Value)
			}
		case *model.Scalar:
			results[name] = float64(v.Value)
		}
	}
	return results, nil
}
