package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/config"
	"github.com/ktec-smt/aoirecord/internal/logging"
)

var (
	settingsPath string
	settings     *config.Settings
	logs         *logging.Logger
)

// startupError marks failures that happen before a session is running.
// They are also written to error.log.
type startupError struct {
	err error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "aoi",
	Short: "Record PCB AOI inspection defects",
	Long: `aoi records inspection defects found on printed circuit boards.

Defects are entered against a reference image of the board, kept per board
across a production lot, and synchronized to a local store, a shared store
on the network and the kintone defect app.

Running aoi without a command starts a recording session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
	RunE: runSession,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Recording:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "settings file (default: settings.toml next to the executable)")
	addSessionFlags(rootCmd)
}

// setup loads the settings and opens the log.
func setup() error {
	path := settingsPath
	if path == "" {
		path = config.DefaultPath()
	}
	s, err := config.Load(path)
	if err != nil {
		return &startupError{err}
	}
	settings = s

	logFile := ""
	if s.Log.File != "" {
		logFile = s.Resolve(s.Log.File)
	}
	l, err := logging.New(logging.Options{
		File:       logFile,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
	})
	if err != nil {
		return &startupError{err}
	}
	logs = l
	return nil
}

func logger(component string) *log.Logger {
	if logs == nil {
		return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
	}
	return logs.Component(component)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *startupError
		if errors.As(err, &se) {
			dir := ""
			if settingsPath != "" {
				dir = filepath.Dir(settingsPath)
			}
			if path, werr := logging.WriteStartupError(dir, err); werr == nil {
				fmt.Fprintf(os.Stderr, "Details written to %s\n", path)
			}
		}
		os.Exit(1)
	}
}
