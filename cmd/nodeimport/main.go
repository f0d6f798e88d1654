// Bulk registration of polled and subscribed nodes from a CSV file.
//
// Usage:
//
//	go run ./cmd/nodeimport -csv nodes.csv -url http://localhost:8080
//
// The CSV header is: tenant,node_id,mode,interval,datasource
// mode is "poll" or "sub"; interval (seconds) is required for poll rows and
// datasource may be empty to use the tenant default.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
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

	"github.com/jszwec/csvutil"
)

// Row is one CSV line.
type Row struct {
	Tenant     string `csv:"tenant"`
	NodeID     string `csv:"node_id"`
	Mode       string `csv:"mode"`
	Interval   string `csv:"interval,omitempty"`
	DataSource string `csv:"datasource,omitempty"`

	line    int
	seconds int
}

// Stats counts import outcomes.
type Stats struct {
	Polling       int64
	Subscriptions int64
	Existing      int64
	Failed        int64
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Existing bool `json:"existing"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to the nodes CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Fieldgate base URL")
	workers := flag.Int("workers", 4, "Number of concurrent requests")
	dryRun := flag.Bool("dry-run", false, "Validate the file without registering anything")
	verbose := flag.Bool("verbose", false, "Print each row result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: nodeimport -csv nodes.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, err := readRows(f)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d rows from %s\n", len(rows), *csvPath)
	if *dryRun {
		return
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: fieldgate not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	var out io.Writer = io.Discard
	if *verbose {
		out = os.Stdout
	}
	start := time.Now()
	stats := importRows(context.Background(), client, *baseURL, rows, *workers, out)

	fmt.Printf("\nImported in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  polling:       %d\n", stats.Polling)
	fmt.Printf("  subscriptions: %d\n", stats.Subscriptions)
	fmt.Printf("  existing:      %d\n", stats.Existing)
	fmt.Printf("  failed:        %d\n", stats.Failed)
	if stats.Failed > 0 {
		os.Exit(2)
	}
}

// readRows decodes and validates every row. All problems are reported
// together so a file can be fixed in one pass.
func readRows(r io.Reader) ([]Row, error) {
	dec, err := csvutil.NewDecoder(newCSVReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var rows []Row
	var problems []error
	for line := 1; ; line++ {
		var row Row
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			problems = append(problems, fmt.Errorf("row %d: %w", line, err))
			continue
		}
		row.line = line
		row.Mode = strings.ToLower(strings.TrimSpace(row.Mode))
		if err := row.validate(); err != nil {
			problems = append(problems, fmt.Errorf("row %d: %w", line, err))
			continue
		}
		rows = append(rows, row)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return rows, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	return cr
}

func (r *Row) validate() error {
	if r.Tenant == "" || r.NodeID == "" {
		return errors.New("tenant and node_id are required")
	}
	switch r.Mode {
	case "poll":
		n, err := strconv.Atoi(strings.TrimSpace(r.Interval))
		if err != nil || n <= 0 {
			return fmt.Errorf("poll rows need a positive interval, got %q", r.Interval)
		}
		r.seconds = n
	case "sub":
	default:
		return fmt.Errorf("mode must be poll or sub, got %q", r.Mode)
	}
	return nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func importRows(ctx context.Context, client *http.Client, baseURL string, rows []Row, numWorkers int, out io.Writer) *Stats {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	stats := &Stats{}
	var mu sync.Mutex // serializes out

	work := make(chan Row)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				existing, err := register(ctx, client, baseURL, row)

				mu.Lock()
				switch {
				case err != nil:
					atomic.AddInt64(&stats.Failed, 1)
					fmt.Fprintf(out, "✗ row %d %s %s: %v\n", row.line, row.Tenant, row.NodeID, err)
				case existing:
					atomic.AddInt64(&stats.Existing, 1)
					fmt.Fprintf(out, "= row %d %s %s already watched\n", row.line, row.Tenant, row.NodeID)
				case row.Mode == "poll":
					atomic.AddInt64(&stats.Polling, 1)
					fmt.Fprintf(out, "✓ row %d %s %s polled every %ds\n", row.line, row.Tenant, row.NodeID, row.seconds)
				default:
					atomic.AddInt64(&stats.Subscriptions, 1)
					fmt.Fprintf(out, "✓ row %d %s %s subscribed\n", row.line, row.Tenant, row.NodeID)
				}
				mu.Unlock()
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()
	return stats
}

// register posts one row. It reports whether the node was already watched.
func register(ctx context.Context, client *http.Client, baseURL string, row Row) (bool, error) {
	path := "/subscriptions"
	body := map[string]any{"node_id": row.NodeID}
	if row.DataSource != "" {
		body["datasource"] = row.DataSource
	}
	if row.Mode == "poll" {
		path = "/polling"
		body["interval_seconds"] = row.seconds
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", row.Tenant)

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("status %d: unreadable response: %w", resp.StatusCode, err)
	}
	if !out.Success {
		if out.Error != nil {
			return false, fmt.Errorf("%s: %s", out.Error.Kind, out.Error.Message)
		}
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	return out.Data.Existing, nil
}
