// Loadtest drives concurrent traffic through the gateway and breaks the
// results down by outcome: upstream responses versus gateway synthesized
// failures (RateLimited, BreakerOpen, UpstreamTimeout, ...).
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/api/v1/flights/search -concurrency 20 -requests 2000
//	go run ./scripts/loadtest -url http://localhost:8080/api/v1/payments -method POST -api-key k1 -out summary.json
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/identity"
)

// OutcomeStats aggregates one outcome class.
type OutcomeStats struct {
	Count     int             `json:"count"`
	Latencies []time.Duration `json:"-"`
	P50       float64         `json:"p50_ms"`
	P95       float64         `json:"p95_ms"`
	P99       float64         `json:"p99_ms"`
}

type results struct {
	mutex    sync.Mutex
	outcomes map[string]*OutcomeStats
	codes    map[int]int
	errors   int
}

func (r *results) record(outcome string, code int, d time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.outcomes[outcome]
	if !ok {
		s = &OutcomeStats{}
		r.outcomes[outcome] = s
	}
	s.Count++
	s.Latencies = append(s.Latencies, d)
	r.codes[code]++
}

func (r *results) fail() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.errors++
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/api/v1/flights", "Target URL")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", "GET", "HTTP method")
		body        = flag.String("body", "", "Request body")
		apiKey      = flag.String("api-key", "", "Value for the X-API-Key header (optional)")
		spreadIPs   = flag.Int("ips", 1, "Spread requests over this many X-Forwarded-For addresses (needs the tester in server.trusted_proxies)")
		timeout     = flag.Duration("timeout", 30*time.Second, "Per-request timeout")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
	)
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	res := &results{
		outcomes: make(map[string]*OutcomeStats),
		codes:    make(map[int]int),
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				req, err := http.NewRequest(*method, *url, bytes.NewBufferString(*body))
				if err != nil {
					res.fail()
					continue
				}
				if *body != "" {
					req.Header.Set("Content-Type", "application/json")
				}
				if *apiKey != "" {
					req.Header.Set(identity.HeaderAPIKey, *apiKey)
				}
				if *spreadIPs > 1 {
					req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.%d.%d", (idx%*spreadIPs)/250, (idx%*spreadIPs)%250+1))
				}

				t0 := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					res.fail()
					continue
				}
				payload, _ := io.ReadAll(resp.Body)
				resp.Body.Close()

				res.record(outcomeOf(resp, payload), resp.StatusCode, time.Since(t0))
			}
		}()
	}

	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s %s\n", *method, *url)
	fmt.Printf("Requests: %d  Concurrency: %d  Transport errors: %d\n", *requests, *concurrency, res.errors)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", elapsed, float64(*requests)/elapsed.Seconds())

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(res.codes))
	for c := range res.codes {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	for _, c := range codes {
		fmt.Printf("  %d -> %d\n", c, res.codes[c])
	}

	fmt.Println("\nOutcomes:")
	names := make([]string, 0, len(res.outcomes))
	for n := range res.outcomes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := res.outcomes[n]
		summarize(s)
		fmt.Printf("  %-24s count=%-6d p50=%.1fms p95=%.1fms p99=%.1fms\n", n, s.Count, s.P50, s.P95, s.P99)
	}

	if *outJSON != "" {
		report := map[string]any{
			"target":           *url,
			"method":           *method,
			"requests":         *requests,
			"concurrency":      *concurrency,
			"transport_errors": res.errors,
			"duration_ms":      elapsed.Milliseconds(),
			"status_codes":     res.codes,
			"outcomes":         res.outcomes,
		}
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write json summary: %v\n", err)
		}
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if res.errors > 0 {
		os.Exit(2)
	}
}

// outcomeOf names gateway generated errors by their kind and everything else
// by the upstream status class.
func outcomeOf(resp *http.Response, payload []byte) string {
	if resp.Header.Get("Content-Type") == "application/json" && resp.StatusCode >= 400 {
		var b apierr.Body
		if err := json.Unmarshal(payload, &b); err == nil && b.Error != "" && b.Status == resp.StatusCode {
			return "gateway:" + b.Error
		}
	}
	return fmt.Sprintf("upstream:%dxx", resp.StatusCode/100)
}

func summarize(s *OutcomeStats) {
	if len(s.Latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), s.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(p float64) float64 {
		return float64(sorted[int(float64(len(sorted)-1)*p)].Microseconds()) / 1000
	}
	s.P50 = pick(0.50)
	s.P95 = pick(0.95)
	s.P99 = pick(0.99)
}
