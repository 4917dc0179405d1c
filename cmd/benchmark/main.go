// Benchmark tool for load-testing Flume policy evaluation.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/billing.csv -policy pol-1 -url http://localhost:8080
//
// This tool:
//   1. Reads billing records (consumer, category, consumption, pipe size,
//      optional expected total)
//   2. Sends each record to POST /api/policies/{id}/evaluate
//   3. Compares the computed total against the expected total when present
//   4. Reports status distribution, mismatches, latency and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BillingRecord represents one row of the input CSV.
type BillingRecord struct {
	ConsumerID    string
	CategoryID    string
	Consumption   float64
	PipeSizeMM    float64
	UnitCount     int
	ExpectedTotal float64
	HasExpected   bool
}

// EvaluateResponse is the Flume API response format.
type EvaluateResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
	Result       struct {
		Matched bool `json:"matched"`
		Charge  *struct {
			TotalAmount float64 `json:"totalAmount"`
		} `json:"charge"`
	} `json:"result"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Success int64
	Partial int64
	Failed  int64

	ChargeMatches    int64
	ChargeMismatches int64

	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to billing records CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Flume base URL")
	policyID := flag.String("policy", "", "Policy ID to evaluate against")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum records to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each record result")
	flag.Parse()

	if *csvPath == "" || *policyID == "" {
		fmt.Println("Usage: benchmark -csv /path/to/billing.csv -policy pol-1 [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Flume benchmark - policy evaluation load test")
	fmt.Printf("\nCSV File:   %s\n", *csvPath)
	fmt.Printf("Flume URL:  %s\n", *baseURL)
	fmt.Printf("Policy ID:  %s\n", *policyID)
	fmt.Printf("Tenant ID:  %s\n", *tenantID)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Limit:      %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Flume not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Flume is running:")
		fmt.Println("  go run cmd/flume/main.go")
		os.Exit(1)
	}
	fmt.Println("Flume is healthy")

	fmt.Printf("\nReading billing records from %s...\n", *csvPath)
	records, err := readBillingCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d records\n", len(records))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(records, *baseURL, *policyID, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readBillingCSV parses records. Expected columns: consumer_id, category_id,
// consumption, pipe_size_mm; optional: unit_count, expected_total.
func readBillingCSV(path string, limit int) ([]BillingRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"consumer_id", "category_id", "consumption"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var records []BillingRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		consumption, _ := strconv.ParseFloat(row[colIndex["consumption"]], 64)
		rec := BillingRecord{
			ConsumerID:  row[colIndex["consumer_id"]],
			CategoryID:  row[colIndex["category_id"]],
			Consumption: consumption,
			UnitCount:   1,
		}
		if i, ok := colIndex["pipe_size_mm"]; ok {
			rec.PipeSizeMM, _ = strconv.ParseFloat(row[i], 64)
		}
		if i, ok := colIndex["unit_count"]; ok {
			if n, err := strconv.Atoi(row[i]); err == nil && n > 0 {
				rec.UnitCount = n
			}
		}
		if i, ok := colIndex["expected_total"]; ok && row[i] != "" {
			if v, err := strconv.ParseFloat(row[i], 64); err == nil {
				rec.ExpectedTotal = v
				rec.HasExpected = true
			}
		}

		records = append(records, rec)

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func runBenchmark(records []BillingRecord, baseURL, policyID, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan BillingRecord, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for rec := range work {
				start := time.Now()
				result, err := evaluateRecord(client, baseURL, policyID, tenantID, rec)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", rec.ConsumerID, err)
					}
					continue
				}

				switch result.Status {
				case "Success":
					atomic.AddInt64(&metrics.Success, 1)
				case "Partial":
					atomic.AddInt64(&metrics.Partial, 1)
				default:
					atomic.AddInt64(&metrics.Failed, 1)
				}

				if rec.HasExpected && result.Result.Charge != nil {
					if math.Abs(result.Result.Charge.TotalAmount-rec.ExpectedTotal) < 0.01 {
						atomic.AddInt64(&metrics.ChargeMatches, 1)
					} else {
						atomic.AddInt64(&metrics.ChargeMismatches, 1)
					}
				}

				if verbose {
					total := float64(0)
					if result.Result.Charge != nil {
						total = result.Result.Charge.TotalAmount
					}
					fmt.Printf("%-12s | Category: %-14s | Consumption: %8.2f | Status: %-7s | Total: %10.2f\n",
						rec.ConsumerID,
						rec.CategoryID,
						rec.Consumption,
						result.Status,
						total,
					)
				}
			}
		}()
	}

	for _, rec := range records {
		work <- rec
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateRecord(client *http.Client, baseURL, policyID, tenantID string, rec BillingRecord) (*EvaluateResponse, error) {
	evalCtx := map[string]any{
		"consumerId":  rec.ConsumerID,
		"categoryId":  rec.CategoryID,
		"consumption": rec.Consumption,
		"pipeSizeMM":  rec.PipeSizeMM,
		"unitCount":   rec.UnitCount,
		"initiatedBy": "benchmark",
	}

	body, err := json.Marshal(evalCtx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/api/policies/"+policyID+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nEVALUATIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Success:          %d\n", m.Success)
	fmt.Printf("   Partial:          %d\n", m.Partial)
	fmt.Printf("   Failed:           %d\n", m.Failed)
	fmt.Printf("   Transport Errors: %d\n", m.TotalErrors)

	if m.ChargeMatches+m.ChargeMismatches > 0 {
		fmt.Printf("\nCHARGE VERIFICATION\n")
		fmt.Printf("   Matches:     %d\n", m.ChargeMatches)
		fmt.Printf("   Mismatches:  %d\n", m.ChargeMismatches)
		accuracy := float64(m.ChargeMatches) / float64(m.ChargeMatches+m.ChargeMismatches)
		fmt.Printf("   Accuracy:    %.4f\n", accuracy)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f evaluations/sec\n", rps)
	}

	fmt.Println()
}
