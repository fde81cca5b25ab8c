package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P50Latency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

type benchConfig struct {
	target      string
	ops         int
	concurrency int
	replicas    string
	valueSize   int
}

var cfg benchConfig

var rootCmd = &cobra.Command{
	Use:          "ringbench",
	Short:        "Load a ringdb node through its entity API",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.target, "target", "http://localhost:8080", "base URL of the coordinating node")
	flags.IntVar(&cfg.ops, "ops", 1000, "operations per phase")
	flags.IntVar(&cfg.concurrency, "concurrency", 10, "parallel clients")
	flags.StringVar(&cfg.replicas, "replicas", "", "ack/from, empty for the cluster default")
	flags.IntVar(&cfg.valueSize, "value-size", 100, "value size in bytes")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg benchConfig) error {
	client := &http.Client{Timeout: 5 * time.Second}

	fmt.Println("=== ringdb benchmark ===")
	fmt.Printf("Target: %s, replicas: %q\n\n", cfg.target, cfg.replicas)

	if !checkHealth(client, cfg.target) {
		return errors.Newf("node %s is not available", cfg.target)
	}

	value := bytes.Repeat([]byte{'v'}, cfg.valueSize)
	key := func(i int) string { return fmt.Sprintf("bench_key_%d", i) }

	fmt.Printf("Writes (%d operations, %d clients)\n", cfg.ops, cfg.concurrency)
	printResult(benchmark(ctx, cfg, func(i int) error {
		return do(client, http.MethodPut, entityURL(cfg, key(i)), value, http.StatusCreated)
	}))

	fmt.Printf("\nReads (%d operations, %d clients)\n", cfg.ops, cfg.concurrency)
	printResult(benchmark(ctx, cfg, func(i int) error {
		return do(client, http.MethodGet, entityURL(cfg, key(i)), nil, http.StatusOK)
	}))

	fmt.Printf("\nDeletes (%d operations, %d clients)\n", cfg.ops, cfg.concurrency)
	printResult(benchmark(ctx, cfg, func(i int) error {
		return do(client, http.MethodDelete, entityURL(cfg, key(i)), nil, http.StatusAccepted)
	}))

	fmt.Println("\n=== Benchmark Complete ===")
	return nil
}

func benchmark(ctx context.Context, cfg benchConfig, op func(i int) error) BenchmarkResult {
	var (
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, cfg.ops)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.concurrency, 1))

	start := time.Now()
	for i := 0; i < cfg.ops; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			opStart := time.Now()
			err := op(i)
			latency := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return nil
			}
			latencies = append(latencies, latency)
			return nil
		})
	}
	_ = g.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      len(latencies) + failed,
		SuccessfulOps: len(latencies),
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(len(latencies)) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	// Вычисление статистики латентности
	slices.Sort(latencies)
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P50Latency = latencies[len(latencies)/2]
	res.P99Latency = latencies[len(latencies)*99/100]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
}

func checkHealth(client *http.Client, baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func entityURL(cfg benchConfig, key string) string {
	u := cfg.target + "/v0/entity?id=" + url.QueryEscape(key)
	if cfg.replicas != "" {
		u += "&replicas=" + cfg.replicas
	}
	return u
}

func do(client *http.Client, method, u string, body []byte, want int) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Читаем тело ответа для переиспользования соединения
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != want {
		return errors.Newf("%s: unexpected status %d", method, resp.StatusCode)
	}
	return nil
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %s\n", humanize.Comma(int64(result.TotalOps)))
	fmt.Printf("  Successful: %s\n", humanize.Comma(int64(result.SuccessfulOps)))
	fmt.Printf("  Failed: %s\n", humanize.Comma(int64(result.FailedOps)))
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %s\n", humanize.CommafWithDigits(result.OpsPerSec, 2))
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P50 Latency: %v\n", result.P50Latency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
