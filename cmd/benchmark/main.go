// Benchmark tool for testing Kestrel against PaySim fraud data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//   1. Reads PaySim transaction data (with fraud labels)
//   2. Sends each transaction to Kestrel for evaluation
//   3. Compares Kestrel's verdict with the actual fraud labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	OldBalanceDest float64
	NewBalanceDest float64
	IsFraud        bool
	IsFlaggedFraud bool
}

// EvaluateRequest is the Kestrel API request format
type EvaluateRequest struct {
	ID        string         `json:"id,omitempty"`
	AccountID string         `json:"accountId"`
	Amount    float64        `json:"amount"`
	Currency  string         `json:"currency"`
	Merchant  string         `json:"merchant,omitempty"`
	Category  string         `json:"category,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EvaluateResponse is the Kestrel API response format
type EvaluateResponse struct {
	Result struct {
		ID           string  `json:"id"`
		IsFraudulent bool    `json:"isFraudulent"`
		Score        float64 `json:"score"`
		RiskLevel    string  `json:"riskLevel"`
	} `json:"result"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged as fraudulent
	FalsePositives int64 // Non-fraud flagged as fraudulent
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - PaySim Fraud Detection           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	transactions, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *workers, *verbose)
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

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
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
		colIndex[strings.ToLower(col)] = i
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[colIndex["isfraud"]] == "1"

		if fraudOnly && !isFraud {
			continue
		}

		// Sample non-fraud to balance the dataset
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		tx := PaySimTransaction{
			Step:     atoi(record[colIndex["step"]]),
			Type:     record[colIndex["type"]],
			Amount:   atof(record[colIndex["amount"]]),
			NameOrig: record[colIndex["nameorig"]],
			NameDest: record[colIndex["namedest"]],
			IsFraud:  isFraud,
		}
		if i, ok := colIndex["oldbalanceorg"]; ok {
			tx.OldBalanceOrg = atof(record[i])
		}
		if i, ok := colIndex["newbalanceorig"]; ok {
			tx.NewBalanceOrig = atof(record[i])
		}
		if i, ok := colIndex["oldbalancedest"]; ok {
			tx.OldBalanceDest = atof(record[i])
		}
		if i, ok := colIndex["newbalancedest"]; ok {
			tx.NewBalanceDest = atof(record[i])
		}

		transactions = append(transactions, tx)
		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []PaySimTransaction, baseURL string, workers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	jobs := make(chan PaySimTransaction, workers*2)

	client := &http.Client{Timeout: 30 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range jobs {
				evaluateOne(client, baseURL, tx, metrics, verbose)
			}
		}()
	}

	for _, tx := range transactions {
		jobs <- tx
	}
	close(jobs)
	wg.Wait()

	return metrics
}

func evaluateOne(client *http.Client, baseURL string, tx PaySimTransaction, m *Metrics, verbose bool) {
	req := EvaluateRequest{
		AccountID: tx.NameOrig,
		Amount:    tx.Amount,
		Currency:  "USD",
		Merchant:  tx.NameDest,
		Category:  strings.ToLower(tx.Type),
		Fields: map[string]any{
			"old_balance_orig": tx.OldBalanceOrg,
			"new_balance_orig": tx.NewBalanceOrig,
			"old_balance_dest": tx.OldBalanceDest,
			"new_balance_dest": tx.NewBalanceDest,
			"step":             tx.Step,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}

	resp, err := client.Post(baseURL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}

	var evalResp EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&evalResp); err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}

	atomic.AddInt64(&m.TotalProcessed, 1)
	flagged := evalResp.Result.IsFraudulent

	switch {
	case tx.IsFraud && flagged:
		atomic.AddInt64(&m.TruePositives, 1)
		atomic.AddInt64(&m.TotalFraud, 1)
	case tx.IsFraud && !flagged:
		atomic.AddInt64(&m.FalseNegatives, 1)
		atomic.AddInt64(&m.TotalFraud, 1)
	case !tx.IsFraud && flagged:
		atomic.AddInt64(&m.FalsePositives, 1)
		atomic.AddInt64(&m.TotalNonFraud, 1)
	default:
		atomic.AddInt64(&m.TrueNegatives, 1)
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	if verbose {
		verdict := "PASS"
		if flagged {
			verdict = "FLAG"
		}
		correct := "✓"
		if flagged != tx.IsFraud {
			correct = "✗"
		}
		fmt.Printf("  %s %s amount=%.2f score=%.1f fraud=%v\n",
			correct, verdict, tx.Amount, evalResp.Result.Score, tx.IsFraud)
	}
}

func printResults(m *Metrics, duration time.Duration) {
	tp := float64(m.TruePositives)
	fp := float64(m.FalsePositives)
	fn := float64(m.FalseNegatives)
	tn := float64(m.TrueNegatives)

	var precision, recall, f1, accuracy float64
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	if total := tp + fp + tn + fn; total > 0 {
		accuracy = (tp + tn) / total
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       BENCHMARK RESULTS                       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nProcessed:   %d transactions in %s\n", m.TotalProcessed, duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("Throughput:  %.1f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Printf("Errors:      %d\n", m.TotalErrors)
	fmt.Println("\nConfusion Matrix:")
	fmt.Printf("  True Positives:  %6d  (fraud correctly flagged)\n", m.TruePositives)
	fmt.Printf("  False Positives: %6d  (legit incorrectly flagged)\n", m.FalsePositives)
	fmt.Printf("  True Negatives:  %6d  (legit correctly passed)\n", m.TrueNegatives)
	fmt.Printf("  False Negatives: %6d  (fraud missed!)\n", m.FalseNegatives)
	fmt.Println("\nScores:")
	fmt.Printf("  Precision: %.4f\n", precision)
	fmt.Printf("  Recall:    %.4f\n", recall)
	fmt.Printf("  F1-Score:  %.4f\n", f1)
	fmt.Printf("  Accuracy:  %.4f\n", accuracy)
	fmt.Println()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
