// Benchmark tool for testing Kestrel against synthetic anomaly data.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -entities 2000
//
// This tool:
//   1. Generates a synthetic feature table with labeled injected anomalies
//   2. Registers it as a dataset and executes a scoring run
//   3. Compares Kestrel's alerts with the injected anomaly labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// FeatureVector mirrors the dataset entity payload.
type FeatureVector struct {
	EntityID    string             `json:"entityId"`
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// DatasetRequest is the POST /datasets payload.
type DatasetRequest struct {
	Name     string          `json:"name"`
	Entities []FeatureVector `json:"entities"`
}

// RunRequest is the POST /runs payload.
type RunRequest struct {
	DatasetID string `json:"datasetId"`
	Policy    string `json:"policy,omitempty"`
}

// RunResponse is the run result subset the benchmark consumes.
type RunResponse struct {
	ID               string            `json:"id"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
	MethodsSucceeded int               `json:"methodsSucceeded"`
	MethodsFailed    int               `json:"methodsFailed"`
	Failures         map[string]string `json:"failures,omitempty"`
	TierCounts       map[string]int    `json:"tierCounts,omitempty"`
	AlertIDs         []string          `json:"alertIds,omitempty"`
	ElapsedMs        int64             `json:"elapsedMs"`
}

// Alert is the alert subset the benchmark consumes.
type Alert struct {
	ID       string  `json:"id"`
	EntityID string  `json:"entityId"`
	Score    float64 `json:"score"`
	Tier     string  `json:"tier"`
}

// QueueResponse is the GET /queue payload.
type QueueResponse struct {
	Alerts []Alert `json:"alerts"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	entities := flag.Int("entities", 2000, "Number of entities to generate")
	anomalyRate := flag.Float64("anomaly-rate", 0.02, "Fraction of entities with injected anomalies")
	policy := flag.String("policy", "", "Fusion policy (empty = server default)")
	seed := flag.Int64("seed", 42, "RNG seed for reproducible datasets")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Synthetic Anomaly Detection       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Entities:     %d\n", *entities)
	fmt.Printf("Anomaly Rate: %.2f%%\n", *anomalyRate*100)
	fmt.Printf("Seed:         %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	vectors, anomalous := generate(*entities, *anomalyRate, *seed)
	fmt.Printf("✓ Generated %d entities (%d anomalous)\n", len(vectors), len(anomalous))

	client := &http.Client{Timeout: 120 * time.Second}

	datasetID, err := registerDataset(client, *baseURL, vectors)
	if err != nil {
		fmt.Printf("ERROR: Failed to register dataset: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Dataset registered: %s\n", datasetID)

	start := time.Now()
	run, err := executeRun(client, *baseURL, datasetID, *policy)
	if err != nil {
		fmt.Printf("ERROR: Run failed: %v\n", err)
		os.Exit(1)
	}
	duration := time.Since(start)
	fmt.Printf("✓ Run %s completed in %v\n", run.ID, duration.Round(time.Millisecond))

	queue, err := fetchQueue(client, *baseURL)
	if err != nil {
		fmt.Printf("ERROR: Failed to fetch queue: %v\n", err)
		os.Exit(1)
	}

	printResults(run, queue, anomalous, *entities, duration)
}

// generate builds a feature table: a normal population plus a small
// anomalous one with shifted magnitudes and rare categories.
func generate(n int, rate float64, seed int64) ([]FeatureVector, map[string]bool) {
	rng := rand.New(rand.NewSource(seed))
	anomalous := make(map[string]bool)
	regions := []string{"emea", "apac", "amer"}
	channels := []string{"web", "branch", "mobile"}

	vectors := make([]FeatureVector, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("entity-%05d", i)
		v := FeatureVector{
			EntityID: id,
			Numeric: map[string]float64{
				"tx_volume":    1000 + rng.NormFloat64()*150,
				"tx_count":     50 + rng.NormFloat64()*8,
				"avg_amount":   20 + rng.NormFloat64()*3,
				"night_ratio":  0.1 + rng.Float64()*0.05,
				"unique_peers": 12 + rng.NormFloat64()*2,
			},
			Categorical: map[string]string{
				"region":  regions[rng.Intn(len(regions))],
				"channel": channels[rng.Intn(len(channels))],
			},
		}

		if rng.Float64() < rate {
			anomalous[id] = true
			v.Numeric["tx_volume"] *= 8 + rng.Float64()*4
			v.Numeric["avg_amount"] *= 5
			v.Numeric["night_ratio"] = 0.8 + rng.Float64()*0.2
			v.Categorical["channel"] = "correspondent"
		}

		vectors[i] = v
	}
	return vectors, anomalous
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

func registerDataset(client *http.Client, baseURL string, vectors []FeatureVector) (string, error) {
	body, err := json.Marshal(DatasetRequest{
		Name:     "benchmark-" + time.Now().UTC().Format("20060102-150405"),
		Entities: vectors,
	})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(baseURL+"/datasets", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func executeRun(client *http.Client, baseURL, datasetID, policy string) (*RunResponse, error) {
	body, err := json.Marshal(RunRequest{DatasetID: datasetID, Policy: policy})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var run RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, err
	}
	if !run.Success {
		return nil, fmt.Errorf("run aborted: %s", run.Error)
	}
	return &run, nil
}

func fetchQueue(client *http.Client, baseURL string) (*QueueResponse, error) {
	resp, err := client.Get(baseURL + "/queue")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var q QueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, err
	}
	return &q, nil
}

func printResults(run *RunResponse, queue *QueueResponse, anomalous map[string]bool, total int, duration time.Duration) {
	alerted := make(map[string]bool)
	for _, a := range queue.Alerts {
		alerted[a.EntityID] = true
	}

	var tp, fp, fn, tn int64
	for id := range anomalous {
		if alerted[id] {
			tp++
		} else {
			fn++
		}
	}
	fp = int64(len(alerted)) - tp
	tn = int64(total) - tp - fp - fn

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 RUN STATISTICS\n")
	fmt.Printf("   Entities:           %d\n", total)
	fmt.Printf("   Injected Anomalies: %d\n", len(anomalous))
	fmt.Printf("   Methods Succeeded:  %d\n", run.MethodsSucceeded)
	fmt.Printf("   Methods Failed:     %d\n", run.MethodsFailed)
	for method, reason := range run.Failures {
		fmt.Printf("     - %s: %s\n", method, reason)
	}
	fmt.Printf("   Alerts Committed:   %d\n", len(run.AlertIDs))
	fmt.Printf("   Tier Distribution:  %v\n", run.TierCounts)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                          Predicted")
	fmt.Println("                    Alerted     Clear")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", tp, fn)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", fp, tn)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	recall := float64(0)
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were injected anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many were alerted)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Run Duration:     %v\n", duration.Round(time.Millisecond))
	fmt.Printf("   Server Elapsed:   %d ms\n", run.ElapsedMs)
	if run.ElapsedMs > 0 {
		fmt.Printf("   Throughput:       %.2f entities/sec\n", float64(total)/(float64(run.ElapsedMs)/1000))
	}

	fmt.Println()
}
