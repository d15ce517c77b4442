package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/config"
	"github.com/ktec-smt/aoirecord/internal/csvio"
	"github.com/ktec-smt/aoirecord/internal/dashboard"
	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/kintone"
	"github.com/ktec-smt/aoirecord/internal/logging"
	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/metrics"
	"github.com/ktec-smt/aoirecord/internal/session"
	"github.com/ktec-smt/aoirecord/internal/snapshot"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
	"github.com/ktec-smt/aoirecord/internal/tui"
	"github.com/ktec-smt/aoirecord/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "session",
	Short:   "Start a recording session (default command)",
	Long: `Start a recording session in the terminal.

At startup the local store is seeded from the shared store, the kintone
connection is checked and the SMT schedule is read in the background. Type
"help" at the prompt for the session commands. Quitting the session writes
every record locally, posts it to kintone and merges the local store into
the shared store.

The settings file is watched while the session runs; saving it reopens the
stores and re-checks the connection.

Examples:
  aoi run --user K001 --lot 1234567-10
  aoi run --plain < commands.txt`,
	RunE: runSession,
}

func init() {
	addSessionFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "AOI operator id")
	cmd.Flags().String("lot", "", "lot number to open, e.g. 1234567-10")
	cmd.Flags().Bool("plain", false, "disable colors")
	cmd.Flags().Bool("no-forms", false, "read every answer as a plain line")
	cmd.Flags().Bool("dashboard", false, "serve the status dashboard even when disabled in settings")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	user, _ := cmd.Flags().GetString("user")
	lot, _ := cmd.Flags().GetString("lot")
	plain, _ := cmd.Flags().GetBool("plain")
	noForms, _ := cmd.Flags().GetBool("no-forms")
	withDashboard, _ := cmd.Flags().GetBool("dashboard")

	lg := logger("session")
	for _, name := range settings.MissingDirectories() {
		lg.Printf("WARNING: %s directory not configured", name)
		fmt.Fprintf(os.Stderr, "Warning: %s directory is not configured in %s\n", name, settings.Path())
	}

	users, names := loadLookups(settings)
	rec := metrics.New()
	stores := openStores(ctx, settings, rec)

	interactive := !noForms && logging.IsTerminal(os.Stdin) && logging.IsTerminal(os.Stdout)
	plain = plain || !logging.IsTerminal(os.Stdout)

	var dash *dashboard.Handler
	if settings.Dashboard.Enabled || withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Port:    settings.Dashboard.Port,
			Metrics: rec.Handler(),
			Logger:  logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			lg.Printf("WARNING: Dashboard not started: %v", err)
		} else {
			defer server.Stop()
			dash = dashboard.NewHandler(server, logger("dashboard"))
			fmt.Fprintf(os.Stderr, "Dashboard: http://%s\n", server.GetAddr())
		}
	}

	uiOpts := tui.Options{
		Interactive: interactive,
		Plain:       plain,
		DefectNames: names.All(),
		Logger:      logger("tui"),
	}
	if dash != nil {
		uiOpts.OnState = dash.OnState
	}
	ui := tui.New(uiOpts)

	opts := session.Options{
		DataDir:     stores.DataDir,
		ImageDir:    stores.ImageDir,
		Local:       stores.Local,
		Remote:      stores.Remote,
		Merger:      stores.Merger,
		Users:       users,
		DefectNames: names,
		Snapshots:   &snapshot.Renderer{},
		Prompter:    ui,
		Metrics:     rec,
		Logger:      lg,
	}
	if sched := cachedSchedule(settings); sched != nil {
		opts.Schedule = sched
	}
	c := session.New(opts)
	ui.Attach(c)
	if dash != nil {
		c.Subscribe(dash)
	}

	c.CheckConnectionAsync()
	if settings.Directories.Schedule != "" {
		c.LoadScheduleAsync(scheduleLoader(settings))
	}

	stopWatch := watchSettings(ctx, c, rec)
	defer stopWatch()

	if interactive {
		if err := tui.LoginForm(ctx, &user, &lot); err != nil {
			return &startupError{err}
		}
	}
	if user != "" {
		if err := c.SetUser(user); err != nil {
			fmt.Fprintln(os.Stderr, tui.ErrorMessage(err))
		} else if lot != "" {
			if err := c.SelectLot(ctx, lot); err != nil {
				fmt.Fprintln(os.Stderr, tui.ErrorMessage(err))
			}
		}
	}

	err := ui.Run(ctx)
	if st := c.State(); st.Phase != session.PhaseClosed {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Minute)
		defer cancelClose()
		res, cerr := c.Close(closeCtx)
		fmt.Fprintln(os.Stderr, tui.CloseSummary(res))
		if cerr != nil {
			lg.Printf("WARNING: %v", cerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadLookups reads the user directory and the defect-name mapping. Either
// may be missing; the session then accepts any id and keeps typed names.
func loadLookups(s *config.Settings) (*lookup.Users, *lookup.DefectNames) {
	lg := logger("session")
	users, err := lookup.LoadUsers(s.UsersPath())
	if err != nil {
		lg.Printf("WARNING: User directory not loaded: %v", err)
	}
	names, err := lookup.LoadDefectNames(s.DefectMappingPath())
	if err != nil {
		lg.Printf("WARNING: Defect mapping not loaded: %v", err)
	}
	return users, names
}

// openStores seeds and opens the local store and prepares the remote app
// and the shared-store merger described by s. Stores that cannot be opened
// are left nil and the session runs without them.
func openStores(ctx context.Context, s *config.Settings, rec *metrics.Recorder) session.Stores {
	lg := logger("session")
	st := session.Stores{
		DataDir:  s.Directories.Data,
		ImageDir: s.Directories.Image,
	}

	if s.Directories.Data != "" && s.Directories.Shared != "" {
		st.Merger = aoisync.New(aoisync.Config{
			LocalDir:  s.Directories.Data,
			SharedDir: s.Directories.Shared,
			Logger:    logger("merge"),
		})
		res, err := st.Merger.Seed(ctx)
		if err != nil {
			lg.Printf("WARNING: Failed to seed from shared store: %v", err)
		} else {
			lg.Printf("Seeded local store: pulled %d records, %d repairs", res.Pulled, res.Repairs)
		}
	}

	if s.Directories.Data != "" {
		local, err := db.OpenDir(s.Directories.Data)
		if err != nil {
			lg.Printf("WARNING: Local store unavailable, records are kept in memory: %v", err)
		} else {
			st.Local = local
		}
	}

	client, err := kintone.NewClient(s.KintoneConfig(), logger("kintone"))
	if err != nil && !errors.Is(err, kintone.ErrNotConfigured) {
		lg.Printf("WARNING: kintone client not created: %v", err)
	}
	st.Remote = kintone.NewSyncer(client, rec, logger("kintone"))
	return st
}

// cachedSchedule returns the schedule cached by the last successful
// workbook read, if any.
func cachedSchedule(s *config.Settings) *lookup.Schedule {
	if s.Directories.Data == "" {
		return nil
	}
	path := filepath.Join(s.Directories.Data, lookup.ScheduleCacheFile)
	if !csvio.Exists(path) {
		return nil
	}
	sched, err := lookup.LoadScheduleCSV(path)
	if err != nil {
		logger("session").Printf("WARNING: Schedule cache unreadable: %v", err)
		return nil
	}
	return sched
}

// scheduleLoader reads the schedule workbooks and refreshes the cache.
func scheduleLoader(s *config.Settings) func(ctx context.Context) (*lookup.Schedule, error) {
	dir, data := s.Directories.Schedule, s.Directories.Data
	return func(ctx context.Context) (*lookup.Schedule, error) {
		sched, err := lookup.LoadScheduleDir(dir)
		if err != nil {
			return nil, err
		}
		if data != "" {
			if err := sched.SaveCache(filepath.Join(data, lookup.ScheduleCacheFile)); err != nil {
				logger("session").Printf("WARNING: %v", err)
			}
		}
		return sched, nil
	}
}

// watchSettings reopens the stores whenever the settings file changes.
func watchSettings(ctx context.Context, c *session.Controller, rec *metrics.Recorder) func() {
	lg := logger("watcher")
	path := settings.Path()
	w, err := watcher.New([]string{path}, &watcher.Config{Logger: lg})
	if err != nil {
		lg.Printf("WARNING: Settings changes will not be picked up: %v", err)
		return func() {}
	}
	if err := w.Start(); err != nil {
		lg.Printf("WARNING: Settings changes will not be picked up: %v", err)
		return func() {}
	}

	go func() {
		for change := range w.Changes() {
			if change.Op == watcher.OpDelete {
				continue
			}
			s, err := config.Load(path)
			if err != nil {
				lg.Printf("WARNING: Failed to reload settings: %v", err)
				continue
			}
			lg.Printf("Settings changed, reopening stores")
			stores := openStores(ctx, s, rec)
			c.Post(session.FuncEvent(func(c *session.Controller) {
				// Reconfigure closes stores.Local itself when it refuses it.
				if err := c.Reconfigure(ctx, stores); err != nil {
					lg.Printf("WARNING: Failed to apply settings: %v", err)
					return
				}
				if s.Directories.Schedule != "" {
					c.LoadScheduleAsync(scheduleLoader(s))
				}
			}))
		}
	}()
	return func() { _ = w.Stop() }
}
