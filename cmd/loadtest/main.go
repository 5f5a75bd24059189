// Command loadtest drives a running API with concurrent traffic and checks
// latency targets and idempotent replay of subscription creation.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Stats struct {
	TotalRequests  int
	SuccessCount   int
	ErrorCount     int
	DuplicateCount int
	Latencies      []time.Duration
	StatusCodes    map[int]int
}

func newStats() *Stats {
	return &Stats{StatusCodes: make(map[int]int)}
}

func (s *Stats) record(resp *http.Response, err error, took time.Duration) {
	s.TotalRequests++
	s.Latencies = append(s.Latencies, took)
	if err != nil {
		s.ErrorCount++
		return
	}
	resp.Body.Close()
	s.StatusCodes[resp.StatusCode]++
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.SuccessCount++
	} else {
		s.ErrorCount++
	}
}

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8080", "API base URL")
	requests := flag.Int("requests", 100, "requests per concurrent scenario")
	concurrency := flag.Int("concurrency", 10, "parallel requests")
	flag.Parse()

	fmt.Println("=== Recurring Donations API Load Test ===")
	fmt.Println()

	fmt.Printf("[Test 1] Health Endpoint Performance (%d requests)\n", *requests)
	printStats(runConcurrent(*requests, *concurrency, func(int) (*http.Response, error) {
		return client.Get(*baseURL + "/health")
	}))

	fmt.Println("\n[Test 2] Idempotency Validation (20 retries with same key)")
	printIdempotencyStats(runIdempotencyTest(*baseURL, 20))

	fmt.Printf("\n[Test 3] Subscription Creation (%d requests)\n", *requests)
	printStats(runConcurrent(*requests, *concurrency, func(i int) (*http.Response, error) {
		return postSubscription(*baseURL, fmt.Sprintf("load-%d-%d", time.Now().UnixNano(), i), i)
	}))

	fmt.Printf("\n[Test 4] Mixed Read Workload (%d requests)\n", *requests)
	printStats(runConcurrent(*requests, *concurrency, func(i int) (*http.Response, error) {
		// Mix: 50% health, 30% search, 20% dashboard
		switch {
		case i%10 < 5:
			return client.Get(*baseURL + "/health")
		case i%10 < 8:
			return client.Get(*baseURL + "/subscriptions?donor_id=load-donor&limit=20")
		default:
			return client.Get(*baseURL + "/dashboard")
		}
	}))

	fmt.Println("\n=== Load Test Complete ===")
}

func postSubscription(baseURL, idempotencyKey string, n int) (*http.Response, error) {
	body := fmt.Sprintf(`{"donor_id":"load-donor","account_ref":"pm_card_visa","amount":%d,"frequency":"monthly","start_date":%q}`,
		1000+n, time.Now().UTC().Add(24*time.Hour).Format(time.RFC3339))
	req, err := http.NewRequest(http.MethodPost, baseURL+"/subscriptions", bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return client.Do(req)
}

func runConcurrent(totalRequests, concurrency int, do func(i int) (*http.Response, error)) *Stats {
	stats := newStats()
	var mu sync.Mutex
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, concurrency)

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(reqNum int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			start := time.Now()
			resp, err := do(reqNum)
			duration := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			stats.record(resp, err, duration)
		}(i)
	}

	wg.Wait()
	return stats
}

// runIdempotencyTest replays one creation and expects every retry to be
// served from the idempotency cache with the first status.
func runIdempotencyTest(baseURL string, retryCount int) *Stats {
	stats := newStats()
	idempotencyKey := fmt.Sprintf("idem-test-%d", time.Now().UnixNano())

	var firstStatus int
	for i := 0; i < retryCount; i++ {
		start := time.Now()
		resp, err := postSubscription(baseURL, idempotencyKey, 0)
		duration := time.Since(start)

		stats.TotalRequests++
		stats.Latencies = append(stats.Latencies, duration)
		if err != nil {
			stats.ErrorCount++
			continue
		}
		resp.Body.Close()
		stats.StatusCodes[resp.StatusCode]++

		switch {
		case i == 0:
			firstStatus = resp.StatusCode
			stats.SuccessCount++
		case resp.StatusCode == firstStatus && resp.Header.Get("X-Idempotency-Replayed") == "true":
			stats.DuplicateCount++
			stats.SuccessCount++
		default:
			stats.ErrorCount++
		}
	}
	return stats
}

func printStats(stats *Stats) {
	if len(stats.Latencies) == 0 {
		fmt.Println("  No data collected")
		return
	}

	sort.Slice(stats.Latencies, func(i, j int) bool {
		return stats.Latencies[i] < stats.Latencies[j]
	})

	p50 := stats.Latencies[len(stats.Latencies)*50/100]
	p95 := stats.Latencies[len(stats.Latencies)*95/100]
	p99 := stats.Latencies[len(stats.Latencies)*99/100]

	successRate := float64(stats.SuccessCount) / float64(stats.TotalRequests) * 100

	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  Success: %d (%.1f%%)\n", stats.SuccessCount, successRate)
	fmt.Printf("  Errors: %d\n", stats.ErrorCount)
	fmt.Printf("  Status Codes: %v\n", stats.StatusCodes)
	fmt.Printf("  P50 Latency: %v\n", p50)
	fmt.Printf("  P95 Latency: %v\n", p95)
	fmt.Printf("  P99 Latency: %v\n", p99)

	if p50 < 150*time.Millisecond {
		fmt.Println("  ✅ P50 under 150ms target")
	} else {
		fmt.Println("  ❌ P50 exceeds 150ms target")
	}
}

func printIdempotencyStats(stats *Stats) {
	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  First Request: 1\n")
	fmt.Printf("  Replayed Responses: %d\n", stats.DuplicateCount)
	fmt.Printf("  Errors: %d\n", stats.ErrorCount)

	if stats.DuplicateCount == stats.TotalRequests-1 && stats.ErrorCount == 0 {
		fmt.Println("  ✅ Idempotency working, one subscription created")
	} else {
		fmt.Println("  ⚠️  Check idempotency behavior")
	}
}
