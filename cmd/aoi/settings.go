package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/config"
	"github.com/ktec-smt/aoirecord/internal/logging"
	"github.com/ktec-smt/aoirecord/internal/tui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Show or change the settings file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: `Print the settings after environment overrides (AOI_ prefix, e.g.
AOI_KINTONE_API_TOKEN) and .env are applied. The API token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := *settings
		if s.Kintone.APIToken != "" {
			s.Kintone.APIToken = "********"
		}
		fmt.Printf("# %s\n", settings.Path())
		if err := toml.NewEncoder(os.Stdout).Encode(s); err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		if missing := settings.MissingDirectories(); len(missing) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: directories not configured: %s\n", strings.Join(missing, ", "))
		}
		return nil
	},
}

// settingKeys are the keys accepted by "config set".
var settingKeys = []string{
	"dashboard.enabled",
	"dashboard.port",
	"directories.data",
	"directories.image",
	"directories.schedule",
	"directories.shared",
	"files.defect_mapping_csv",
	"files.user_csv",
	"kintone.app_id",
	"kintone.base_url",
	"kintone.subdomain",
	"kintone.timeout_seconds",
	"log.file",
}

// setSetting assigns the value of one key.
func setSetting(s *config.Settings, key, value string) error {
	var err error
	switch key {
	case "dashboard.enabled":
		s.Dashboard.Enabled, err = strconv.ParseBool(value)
	case "dashboard.port":
		s.Dashboard.Port, err = strconv.Atoi(value)
	case "directories.data":
		s.Directories.Data = value
	case "directories.image":
		s.Directories.Image = value
	case "directories.schedule":
		s.Directories.Schedule = value
	case "directories.shared":
		s.Directories.Shared = value
	case "files.defect_mapping_csv":
		s.Files.DefectMapping = value
	case "files.user_csv":
		s.Files.Users = value
	case "kintone.app_id":
		s.Kintone.AppID = value
	case "kintone.base_url":
		s.Kintone.BaseURL = value
	case "kintone.subdomain":
		s.Kintone.Subdomain = value
	case "kintone.timeout_seconds":
		s.Kintone.TimeoutSeconds, err = strconv.Atoi(value)
	case "log.file":
		s.Log.File = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting and save the settings file. A running session picks
the change up. The API token is not accepted here; put it in .env as
AOI_KINTONE_API_TOKEN.

Keys:
  ` + strings.Join(settingKeys, "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := fileSettings()
		if err != nil {
			return err
		}
		if err := setSetting(s, args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(settings.Path(), s); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", settings.Path())
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit the working directories interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !logging.IsTerminal(os.Stdin) {
			return fmt.Errorf("config edit needs a terminal, use config set")
		}
		s, err := fileSettings()
		if err != nil {
			return err
		}
		if err := tui.DirectoriesForm(cmd.Context(), &s.Directories); err != nil {
			return err
		}
		if err := config.Save(settings.Path(), s); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", settings.Path())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// fileSettings reads the settings file without environment overrides, so
// saving never writes values that came from the environment.
func fileSettings() (*config.Settings, error) {
	s := config.Default()
	path := settings.Path()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, s); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	}
	return s, nil
}
