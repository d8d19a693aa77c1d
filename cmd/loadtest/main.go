package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabulines/nabulines/internal/entity"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Concurrency int
	Duration    time.Duration
	Users       int
	WriteRatio  float64
}

// opStats tracks one kind of request.
type opStats struct {
	latencies   []time.Duration
	latenciesMu sync.Mutex
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
	ops           map[string]*opStats
	opsMu         sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
		ops:         make(map[string]*opStats),
	}
}

func (s *Stats) RecordRequest(op string, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.opsMu.Lock()
	o, ok := s.ops[op]
	if !ok {
		o = &opStats{}
		s.ops[op] = o
	}
	s.opsMu.Unlock()
	o.latenciesMu.Lock()
	o.latencies = append(o.latencies, duration)
	o.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the index API")
	apiKey := flag.String("api-key", "", "API key with writer role (empty when auth is disabled)")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	users := flag.Int("users", 1000, "size of the user id space written and queried")
	writeRatio := flag.Float64("write-ratio", 0.3, "fraction of requests that write a record")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		APIKey:      *apiKey,
		Concurrency: *concurrency,
		Duration:    *duration,
		Users:       *users,
		WriteRatio:  *writeRatio,
	}

	fmt.Println("=== Nabulines Index Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Users:       %d\n", cfg.Users)
	fmt.Printf("Write ratio: %.2f\n", cfg.WriteRatio)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID) + 1))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				op, req := nextRequest(ctx, cfg, rng)

				start := time.Now()
				resp, err := client.Do(req)
				duration := time.Since(start)

				if err != nil {
					if ctx.Err() == nil {
						stats.RecordRequest(op, duration, 0, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				stats.RecordRequest(op, duration, resp.StatusCode, nil)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

var statuses = []string{entity.StatusPending, entity.StatusApproved, entity.StatusRejected}

// nextRequest picks a write or one of the query shapes the API serves.
func nextRequest(ctx context.Context, cfg Config, rng *rand.Rand) (string, *http.Request) {
	if rng.Float64() < cfg.WriteRatio {
		u := entity.SampleUser(rng, rng.Intn(cfg.Users))
		body, _ := json.Marshal(u.Attributes)
		return "put", mustNewRequest(ctx, cfg, http.MethodPut, "/api/v1/records/user/"+url.PathEscape(u.ID), body)
	}

	switch rng.Intn(4) {
	case 0:
		id := fmt.Sprintf("user_%d", rng.Intn(cfg.Users))
		return "get", mustNewRequest(ctx, cfg, http.MethodGet, "/api/v1/records/user/"+id, nil)
	case 1:
		status := statuses[rng.Intn(len(statuses))]
		return "query", mustNewRequest(ctx, cfg, http.MethodGet,
			"/api/v1/records/user?attr=approvalStatus&value="+url.QueryEscape(status), nil)
	case 2:
		min := rng.Intn(900_000)
		return "range", mustNewRequest(ctx, cfg, http.MethodGet,
			fmt.Sprintf("/api/v1/records/user/range?attr=followers&min=%d&max=%d", min, min+50_000), nil)
	default:
		return "top", mustNewRequest(ctx, cfg, http.MethodGet, "/api/v1/records/user/top?attr=followers&n=10", nil)
	}
}

func mustNewRequest(ctx context.Context, cfg Config, method, path string, body []byte) *http.Request {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, r)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}
	return req
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sortDurations(latencies)

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		stddev := time.Duration(math.Sqrt(sumSquared / float64(len(latencies))))
		fmt.Printf("StdDev: %s\n", stddev)
	}

	fmt.Println()
	fmt.Println("=== By Operation ===")
	stats.opsMu.Lock()
	names := make([]string, 0, len(stats.ops))
	for name := range stats.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := stats.ops[name]
		o.latenciesMu.Lock()
		lat := make([]time.Duration, len(o.latencies))
		copy(lat, o.latencies)
		o.latenciesMu.Unlock()
		sortDurations(lat)
		fmt.Printf("  %-6s n=%-8d p50=%-12s p99=%s\n", name, len(lat), percentile(lat, 50), percentile(lat, 99))
	}
	stats.opsMu.Unlock()

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func sortDurations(d []time.Duration) {
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
