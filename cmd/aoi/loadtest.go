package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure store writes and shared-store merges under load",
	Long: `Run load tests against temporary stores.

Modes:
  writers  - Concurrent upsert batches into one local store, then verify
             that every generated record reads back unchanged (default)
  stations - Several workstation stores merged into one shared store at
             the same time, then verify that the shared store holds the
             union of all records

Examples:
  # 8 writers over 10 lots of 20 boards with 3 defects each
  aoi loadtest

  # 12 workstations merging concurrently
  aoi loadtest --mode stations --stations 12

  # Output as JSON
  aoi loadtest --json
`,
	RunE:    runLoadtest,
	GroupID: "maint",
}

func init() {
	loadtestCmd.Flags().String("mode", "writers", "Load test mode: writers or stations")
	loadtestCmd.Flags().Int("writers", 8, "Number of concurrent writers")
	loadtestCmd.Flags().Int("batch", 50, "Records per upsert batch")
	loadtestCmd.Flags().Int("lots", 10, "Number of lots to generate")
	loadtestCmd.Flags().Int("boards", 20, "Boards per lot")
	loadtestCmd.Flags().Int("per-board", 3, "Defects per board")
	loadtestCmd.Flags().Int("stations", 6, "Number of workstations merging (stations mode)")
	loadtestCmd.Flags().Int("attempts", 5, "Merge attempts per workstation (stations mode)")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	writers, _ := cmd.Flags().GetInt("writers")
	batch, _ := cmd.Flags().GetInt("batch")
	lots, _ := cmd.Flags().GetInt("lots")
	boards, _ := cmd.Flags().GetInt("boards")
	perBoard, _ := cmd.Flags().GetInt("per-board")
	stations, _ := cmd.Flags().GetInt("stations")
	attempts, _ := cmd.Flags().GetInt("attempts")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if writers < 1 || batch < 1 || lots < 1 || boards < 1 || perBoard < 1 || stations < 1 || attempts < 1 {
		return fmt.Errorf("counts must be at least 1")
	}

	dir, err := os.MkdirTemp("", "aoi-loadtest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	switch mode {
	case "writers":
		return runWritersLoadtest(cmd, dir, writers, batch, lots, boards, perBoard, jsonOutput)
	case "stations":
		return runStationsLoadtest(cmd, dir, stations, boards, perBoard, attempts, jsonOutput)
	default:
		return fmt.Errorf("--mode must be 'writers' or 'stations'")
	}
}

func runWritersLoadtest(cmd *cobra.Command, dir string, writers, batch, lots, boards, perBoard int, jsonOutput bool) error {
	if !jsonOutput {
		fmt.Println("Running concurrent writer load test...")
		fmt.Printf("Configuration: %d writers, %d lots x %d boards x %d defects, batches of %d\n\n",
			writers, lots, boards, perBoard, batch)
	}

	td, err := loadtest.CreateTestDatabase(filepath.Join(dir, db.FileName), lots, boards, perBoard)
	if err != nil {
		return err
	}
	defer td.Close()

	stats, err := td.RunConcurrentUpserts(cmd.Context(), writers, batch)
	if err != nil {
		return err
	}
	verifyErr := td.VerifyConvergence(cmd.Context())

	if jsonOutput {
		out := map[string]interface{}{
			"mode":    "writers",
			"writers": writers,
			"records": len(td.Defects),
			"latency": map[string]interface{}{
				"min_ms":  stats.Min.Milliseconds(),
				"p50_ms":  stats.P50.Milliseconds(),
				"mean_ms": stats.Mean.Milliseconds(),
				"p95_ms":  stats.P95.Milliseconds(),
				"p99_ms":  stats.P99.Milliseconds(),
				"max_ms":  stats.Max.Milliseconds(),
			},
			"batches":   stats.TotalOps,
			"errors":    stats.Errors,
			"converged": verifyErr == nil,
		}
		if err := writeData(os.Stdout, formatJSON, out); err != nil {
			return err
		}
	} else {
		stats.PrintStats()
		fmt.Printf("\nRecords: %d\n", len(td.Defects))
	}

	if verifyErr != nil {
		return fmt.Errorf("store did not converge: %w", verifyErr)
	}
	if stats.Errors > 0 {
		return fmt.Errorf("%d upsert batches failed", stats.Errors)
	}
	if !jsonOutput {
		fmt.Println("Converged: every record reads back unchanged")
	}
	return nil
}

func runStationsLoadtest(cmd *cobra.Command, dir string, stations, boards, perBoard, attempts int, jsonOutput bool) error {
	if !jsonOutput {
		fmt.Println("Running concurrent workstation merge load test...")
		fmt.Printf("Configuration: %d workstations, %d boards x %d defects each, %d attempts\n\n",
			stations, boards, perBoard, attempts)
	}

	res, err := loadtest.Workstations(cmd.Context(), dir, stations, boards, perBoard, attempts)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeData(os.Stdout, formatJSON, map[string]interface{}{
			"mode":           "stations",
			"stations":       res.Stations,
			"records":        res.Records,
			"merge_attempts": res.MergeAttempts,
			"elapsed_ms":     res.Elapsed.Milliseconds(),
		})
	}
	fmt.Printf("Workstations:   %d\n", res.Stations)
	fmt.Printf("Records:        %d\n", res.Records)
	fmt.Printf("Merge attempts: %d\n", res.MergeAttempts)
	fmt.Printf("Elapsed:        %v\n", res.Elapsed)
	fmt.Println("Converged: shared store holds every workstation's records")
	return nil
}
