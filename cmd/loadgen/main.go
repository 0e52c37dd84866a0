// Load generator for DCAOS.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -cases 500 -workers 20
//
// This tool:
//  1. Creates cases concurrently through POST /cases
//  2. Triggers allocation runs concurrently with the creations
//  3. Fetches every agency and checks 0 <= currentLoad <= capacity
//  4. Prints throughput, latency and the per-agency load table
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// CreateCaseRequest is the POST /cases body.
type CreateCaseRequest struct {
	CustomerName string  `json:"customerName"`
	Amount       float64 `json:"amount"`
	AgingDays    int     `json:"agingDays"`
}

// Agency is the subset of the agency record the checks need.
type Agency struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CurrentLoad int    `json:"currentLoad"`
	Capacity    int    `json:"capacity"`
}

// RunResponse is the POST /allocations/run response.
type RunResponse struct {
	Allocated int `json:"allocated"`
	Pending   int `json:"pending"`
}

// Stats tracks load generator results.
type Stats struct {
	Created       int64
	CreateErrors  int64
	Runs          int64
	RunErrors     int64
	Allocated     int64
	CreateLatency int64 // total milliseconds
}

var customers = []string{
	"Apex Innovations", "BioSynth Corp", "CyberNetics Ltd.", "Stellar Solutions", "Quantum Dynamics",
	"EcoVerve Inc.", "Hyperion Goods", "Nexus Systems", "Orion Services", "Zenith Health",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "DCAOS base URL")
	userID := flag.String("user", "user-1", "Administrator user id sent as X-User-ID")
	total := flag.Int("cases", 200, "Number of cases to create")
	workers := flag.Int("workers", 10, "Number of concurrent creators")
	runs := flag.Int("runs", 5, "Allocation runs triggered while cases are created")
	seed := flag.Int64("seed", 1, "Random seed for case figures")
	flag.Parse()

	fmt.Println("DCAOS LOAD GENERATOR")
	fmt.Printf("\nURL:      %s\n", *baseURL)
	fmt.Printf("User:     %s\n", *userID)
	fmt.Printf("Cases:    %d\n", *total)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("Runs:     %d\n", *runs)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: DCAOS not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure DCAOS is running:")
		fmt.Println("  go run ./cmd/dcaos")
		os.Exit(1)
	}
	fmt.Println("✓ DCAOS is healthy")

	client := &client{base: *baseURL, user: *userID, http: &http.Client{Timeout: 30 * time.Second}}

	start := time.Now()
	stats := generate(client, *total, *workers, *runs, *seed)

	// A final run picks up cases created after the concurrent runs.
	var final RunResponse
	if err := client.do(http.MethodPost, "/allocations/run", nil, &final); err != nil {
		fmt.Printf("ERROR: final allocation run failed: %v\n", err)
		os.Exit(1)
	}
	stats.Allocated += int64(final.Allocated)
	duration := time.Since(start)

	var agencies struct {
		Agencies []Agency `json:"agencies"`
	}
	if err := client.do(http.MethodGet, "/agencies", nil, &agencies); err != nil {
		fmt.Printf("ERROR: failed to fetch agencies: %v\n", err)
		os.Exit(1)
	}

	violations := printResults(stats, final.Pending, agencies.Agencies, duration)
	if violations > 0 {
		os.Exit(2)
	}
}

type client struct {
	base string
	user string
	http *http.Client
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.user)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func generate(c *client, total, numWorkers, runs int, seed int64) *Stats {
	stats := &Stats{}

	jobs := make(chan CreateCaseRequest, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				t0 := time.Now()
				err := c.do(http.MethodPost, "/cases", req, nil)
				atomic.AddInt64(&stats.CreateLatency, time.Since(t0).Milliseconds())
				if err != nil {
					atomic.AddInt64(&stats.CreateErrors, 1)
					continue
				}
				atomic.AddInt64(&stats.Created, 1)
			}
		}()
	}

	// Allocation runs race the creations on purpose.
	var runWg sync.WaitGroup
	for i := 0; i < runs; i++ {
		runWg.Add(1)
		go func(delay time.Duration) {
			defer runWg.Done()
			time.Sleep(delay)
			var resp RunResponse
			if err := c.do(http.MethodPost, "/allocations/run", nil, &resp); err != nil {
				atomic.AddInt64(&stats.RunErrors, 1)
				return
			}
			atomic.AddInt64(&stats.Runs, 1)
			atomic.AddInt64(&stats.Allocated, int64(resp.Allocated))
		}(time.Duration(i) * 50 * time.Millisecond)
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < total; i++ {
		jobs <- CreateCaseRequest{
			CustomerName: customers[i%len(customers)],
			Amount:       float64(rng.Intn(9500) + 500),
			AgingDays:    rng.Intn(180),
		}
		if (i+1)%100 == 0 {
			fmt.Printf("  Queued %d/%d cases\n", i+1, total)
		}
	}
	close(jobs)

	wg.Wait()
	runWg.Wait()
	return stats
}

// printResults prints the summary and returns the number of agencies whose
// load left [0, capacity].
func printResults(s *Stats, pending int, agencies []Agency, duration time.Duration) int {
	fmt.Println("\nRESULTS")
	fmt.Printf("\nDuration:        %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Cases created:   %d (%d errors)\n", s.Created, s.CreateErrors)
	if s.Created > 0 {
		fmt.Printf("Throughput:      %.1f cases/s\n", float64(s.Created)/duration.Seconds())
		fmt.Printf("Avg create:      %.1f ms\n", float64(s.CreateLatency)/float64(s.Created+s.CreateErrors))
	}
	fmt.Printf("Allocation runs: %d (%d errors)\n", s.Runs+1, s.RunErrors)
	fmt.Printf("Allocated:       %d\n", s.Allocated)
	fmt.Printf("Still pending:   %d\n", pending)

	fmt.Println("\nAgency               Load   Capacity  Check")
	violations := 0
	for _, a := range agencies {
		check := "ok"
		if a.CurrentLoad < 0 || a.CurrentLoad > a.Capacity {
			check = "VIOLATION"
			violations++
		}
		fmt.Printf("%-20s %5d  %8d  %s\n", a.ID, a.CurrentLoad, a.Capacity, check)
	}

	if violations > 0 {
		fmt.Printf("\n✗ %d agencies outside [0, capacity]\n", violations)
	} else {
		fmt.Println("\n✓ Every agency load is within [0, capacity]")
	}
	return violations
}
