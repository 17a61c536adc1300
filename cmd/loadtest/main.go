package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealed-store/internal/loadtest"
)

func main() {
	var (
		baseURL        = flag.String("url", "http://localhost:8080", "sealed-store server URL")
		workloads      = flag.String("workload", "secrets,blobs", "Comma-separated workloads: secrets, blobs")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration per workload")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Requests per second per worker")
		secretSize     = flag.Int64("secret-size", 64, "Random bytes per secret value")
		blobSize       = flag.Int64("blob-size", 1024*1024, "Blob size in bytes")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("=== sealed-store Load Test Runner ===")
	fmt.Printf("URL: %s\n", *baseURL)
	fmt.Printf("Workloads: %s\n", *workloads)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	fmt.Println()

	exitCode := 0
	start := time.Now()
	for _, name := range strings.Split(*workloads, ",") {
		workload := loadtest.Workload(strings.TrimSpace(name))
		size := *blobSize
		if workload == loadtest.WorkloadSecrets {
			size = *secretSize
		}

		cfg := loadtest.Config{
			BaseURL:             strings.TrimRight(*baseURL, "/"),
			Workload:            workload,
			NumWorkers:          *workers,
			Duration:            *duration,
			QPS:                 *qps,
			PayloadSize:         size,
			BaselineFile:        filepath.Join(*baselineDir, string(workload)+"_load_test_baseline.json"),
			RegressionThreshold: *threshold,
		}

		fmt.Printf("--- Running %s load test ---\n", workload)
		if err := runWorkload(ctx, cfg, *prometheusURL, *updateBaseline, logger); err != nil {
			logger.WithError(err).Errorf("%s load test failed", workload)
			exitCode = 1
		}
		fmt.Println()
	}

	fmt.Printf("=== Load Tests Complete (Total Time: %v) ===\n", time.Since(start))
	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("All tests passed")
}

func runWorkload(ctx context.Context, cfg loadtest.Config, prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {
	results, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	loadtest.PrintResults(os.Stdout, results)

	if prometheusURL != "" {
		serverMetrics, err := loadtest.QueryPrometheusMetrics(ctx, prometheusURL, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for name, value := range serverMetrics {
				fmt.Printf("%s: %v\n", name, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := loadtest.SaveBaseline(results, cfg.BaselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Printf("Baseline updated: %s\n", cfg.BaselineFile)
		return nil
	}

	regression, err := loadtest.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No baseline found - run with -update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	loadtest.PrintRegression(os.Stdout, regression)

	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected")
	}
	return nil
}
