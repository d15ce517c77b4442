package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/dashboard"
	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/metrics"
	"github.com/ktec-smt/aoirecord/internal/watcher"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve a live view of the shared store",
	Long: `Start a WebSocket dashboard that reports the shared store.

Whenever a workstation merges into the shared store, a "store" message
with the row counts is broadcast to every connected client. A running
session serves its own dashboard instead when [dashboard] enabled is set.

Example usage:
  aoi dashboard                   # Start on the configured port
  aoi dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = settings.Dashboard.Port
		}
		if settings.Directories.Shared == "" {
			return fmt.Errorf("shared directory not configured")
		}
		storePath := filepath.Join(settings.Directories.Shared, db.FileName)

		server := dashboard.NewServer(&dashboard.Config{
			Port:    port,
			Metrics: metrics.New().Handler(),
			Logger:  logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		handler := dashboard.NewHandler(server, logger("dashboard"))

		w, err := watcher.New([]string{storePath}, &watcher.Config{Logger: logger("watcher")})
		if err != nil {
			_ = server.Stop()
			return err
		}
		if err := w.Start(); err != nil {
			_ = server.Stop()
			return err
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Watching %s\n", storePath)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		publishStore(ctx, handler, storePath)
		for {
			select {
			case _, ok := <-w.Changes():
				if !ok {
					return server.Stop()
				}
				publishStore(ctx, handler, storePath)
			case <-ctx.Done():
				fmt.Println("\nShutting down dashboard server...")
				_ = w.Stop()
				if err := server.Stop(); err != nil {
					return err
				}
				fmt.Println("Dashboard server stopped")
				return nil
			}
		}
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}

// publishStore broadcasts the counts of the store at path. The store is
// opened only for the read so that merges are not blocked.
func publishStore(ctx context.Context, h *dashboard.Handler, path string) {
	lg := logger("dashboard")
	if _, err := os.Stat(path); err != nil {
		return
	}
	store, err := db.OpenShared(path)
	if err != nil {
		lg.Printf("WARNING: Failed to open %s: %v", path, err)
		return
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		lg.Printf("WARNING: %v", err)
		return
	}
	lots, err := store.Lots(ctx)
	if err != nil {
		lg.Printf("WARNING: %v", err)
		return
	}
	h.OnStore(dashboard.StoreData{
		Path:       path,
		Defects:    counts.Defects,
		Repairs:    counts.Repairs,
		Tombstones: counts.Tombstones,
		Lots:       len(lots),
	})
}
