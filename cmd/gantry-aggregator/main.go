// gantry-aggregator periodically rolls the per-plugin usage counters in
// storage into a usage summary: totals across the fleet plus the most
// invoked and most error-prone plugins. The summary is written back to
// the storage root and logged, so operators can watch plugin load
// without querying every record.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gantryio/gantry/pkg/storage"
)

var (
	storageType   = flag.String("storage-type", getEnv("GANTRY_STORAGE_TYPE", "filesystem"), "Storage backend (filesystem or sqlite)")
	storageRoot   = flag.String("storage-root", getEnv("GANTRY_FILESYSTEM_ROOT", "/var/lib/gantry"), "Filesystem storage root")
	sqlitePath    = flag.String("sqlite-path", getEnv("GANTRY_SQLITE_PATH", ""), "SQLite database path")
	dailySchedule = flag.String("daily-schedule", "5 0 * * *", "Cron schedule for daily aggregation (default: 00:05 UTC)")
	topN          = flag.Int("top", 10, "Number of top plugins to include in the summary")
	runOnce       = flag.Bool("run-once", false, "Run aggregation once and exit (for testing)")
)

// summary is the aggregated usage report.
type summary struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	Plugins           int            `json:"plugins"`
	Active            int            `json:"active"`
	TotalInvocations  int64          `json:"total_invocations"`
	TotalErrors       int64          `json:"total_errors"`
	TotalRuntimeMS    int64          `json:"total_runtime_ms"`
	TopByInvocations  []pluginUsage  `json:"top_by_invocations"`
	TopByErrors       []pluginUsage  `json:"top_by_errors"`
}

type pluginUsage struct {
	ID           string  `json:"id"`
	State        string  `json:"state"`
	Invocations  int64   `json:"invocations"`
	Errors       int64   `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

func main() {
	flag.Parse()

	store, err := storage.NewStore(storage.Config{
		Type:       *storageType,
		Root:       *storageRoot,
		SQLitePath: *sqlitePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	if *runOnce {
		if err := runAggregation(store); err != nil {
			log.Fatalf("Aggregation failed: %v", err)
		}
		log.Println("Aggregation completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*dailySchedule, func() {
		log.Println("Starting daily usage aggregation")
		if err := runAggregation(store); err != nil {
			log.Printf("Daily aggregation failed: %v", err)
		} else {
			log.Println("Daily aggregation completed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule daily aggregation: %v", err)
	}

	c.Start()
	log.Println("Gantry usage aggregator started")
	log.Printf("Daily aggregation schedule: %s", *dailySchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down")
	<-c.Stop().Done()
}

// runAggregation builds and writes one summary.
func runAggregation(store storage.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	s := summary{GeneratedAt: time.Now().UTC(), Plugins: len(records)}
	usage := make([]pluginUsage, 0, len(records))
	for _, rec := range records {
		if rec.State == "active" {
			s.Active++
		}
		s.TotalInvocations += rec.Stats.Invocations
		s.TotalErrors += rec.Stats.Errors
		s.TotalRuntimeMS += rec.Stats.TotalRuntimeMS
		usage = append(usage, pluginUsage{
			ID:           rec.ID,
			State:        rec.State,
			Invocations:  rec.Stats.Invocations,
			Errors:       rec.Stats.Errors,
			AvgLatencyMS: rec.Stats.AvgLatencyMS,
		})
	}

	s.TopByInvocations = topBy(usage, *topN, func(u pluginUsage) int64 { return u.Invocations })
	s.TopByErrors = topBy(usage, *topN, func(u pluginUsage) int64 { return u.Errors })

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	log.Printf("Usage summary: plugins=%d active=%d invocations=%d errors=%d",
		s.Plugins, s.Active, s.TotalInvocations, s.TotalErrors)

	path := filepath.Join(*storageRoot, "usage-summary.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	log.Printf("Summary written to %s", path)
	return nil
}

// topBy returns the n entries with the highest key, nonzero only.
func topBy(usage []pluginUsage, n int, key func(pluginUsage) int64) []pluginUsage {
	sorted := make([]pluginUsage, len(usage))
	copy(sorted, usage)
	sort.Slice(sorted, func(i, j int) bool {
		if key(sorted[i]) != key(sorted[j]) {
			return key(sorted[i]) > key(sorted[j])
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := make([]pluginUsage, 0, n)
	for _, u := range sorted {
		if len(out) == n || key(u) == 0 {
			break
		}
		out = append(out, u)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
