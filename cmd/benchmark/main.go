package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coomunity/unitsledger/internal/api"
)

var (
	targetURL   string
	secret      string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	replayRate  float64
)

var (
	totalRequests atomic.Uint64
	created       atomic.Uint64
	replayed      atomic.Uint64
	rejected      atomic.Uint64 // 403: insufficient balance under contention
	failed        atomic.Uint64

	latMu     sync.Mutex
	latencies []time.Duration
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint caller tokens")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&users, "users", 1000, "Number of seeded users (user-0001 ...)")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that resend the previous Idempotency-Key")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("a JWT secret is required (-secret or JWT_SECRET)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	tokens := make(map[int]string, users)
	for i := 1; i <= users; i++ {
		tok, err := api.SignToken(secret, userID(i), []string{"user"}, duration+time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		tokens[i] = tok
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func userID(i int) string {
	return fmt.Sprintf("user-%04d", i)
}

type sent struct {
	key  string
	from int
	body []byte
}

func worker(wg *sync.WaitGroup, start time.Time, tokens map[int]string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	var (
		last    *sent
		samples []time.Duration
	)
	defer func() {
		latMu.Lock()
		latencies = append(latencies, samples...)
		latMu.Unlock()
	}()

	for time.Since(start) < duration {
		var s sent
		if last != nil && rand.Float64() < replayRate {
			s = *last
		} else {
			from, to := generateUsers()
			payload := map[string]any{
				"recipientId": userID(to),
				"amount":      "1.25",
				"currency":    "UNITS",
			}
			body, _ := json.Marshal(payload)
			s = sent{
				key:  fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano()),
				from: from,
				body: body,
			}
		}
		last = &s

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transfers", bytes.NewReader(s.body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", s.key)
		req.Header.Set("Authorization", "Bearer "+tokens[s.from])

		sentAt := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			failed.Add(1)
			continue
		}
		samples = append(samples, time.Since(sentAt))

		totalRequests.Add(1)
		switch resp.StatusCode {
		case http.StatusCreated:
			created.Add(1)
		case http.StatusOK:
			replayed.Add(1)
		case http.StatusForbidden:
			rejected.Add(1)
		default:
			failed.Add(1)
		}
		resp.Body.Close()
	}
}

func generateUsers() (int, int) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves between users 1 and 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.Intn(users) + 1
	b := rand.Intn(users) + 1
	for a == b {
		b = rand.Intn(users) + 1
	}
	return a, b
}

type summary struct {
	Workload      string  `json:"workload"`
	Workers       int     `json:"workers"`
	DurationSec   float64 `json:"duration_sec"`
	Requests      uint64  `json:"total_requests"`
	ThroughputTPS float64 `json:"throughput_tps"`
	Created       uint64  `json:"created"`
	Replayed      uint64  `json:"replayed"`
	Rejected      uint64  `json:"rejected_insufficient"`
	RejectRatePct float64 `json:"reject_rate_pct"`
	Errors        uint64  `json:"errors"`
	P50Ms         float64 `json:"latency_p50_ms"`
	P99Ms         float64 `json:"latency_p99_ms"`
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx].Microseconds()) / 1000
}

func printResults(d time.Duration) {
	latMu.Lock()
	slices.Sort(latencies)
	latMu.Unlock()

	res := summary{
		Workload:    workload,
		Workers:     concurrency,
		DurationSec: d.Seconds(),
		Requests:    totalRequests.Load(),
		Created:     created.Load(),
		Replayed:    replayed.Load(),
		Rejected:    rejected.Load(),
		Errors:      failed.Load(),
		P50Ms:       percentile(latencies, 0.50),
		P99Ms:       percentile(latencies, 0.99),
	}
	res.ThroughputTPS = float64(res.Requests) / d.Seconds()
	if res.Requests > 0 {
		res.RejectRatePct = float64(res.Rejected) / float64(res.Requests) * 100
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	filename := fmt.Sprintf("results_%s_%dw.json", workload, concurrency)
	if err := writeJSON(filename, res); err != nil {
		log.Printf("could not write %s: %v", filename, err)
	}
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(v)
}
