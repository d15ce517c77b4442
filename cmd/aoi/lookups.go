package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/lookup"
)

var mappingCmd = &cobra.Command{
	Use:     "mapping",
	GroupID: "maint",
	Short:   "List the defect-name shortcuts",
	Long: `List the numbered defect names of defect_mapping.csv. Typing a number as
the defect name during a session saves the mapped name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}
		names, err := lookup.LoadDefectNames(settings.DefectMappingPath())
		if err != nil {
			return err
		}
		all := names.All()
		if format != formatTable {
			return writeData(os.Stdout, format, all)
		}
		rows := make([][]string, 0, len(all))
		for _, n := range all {
			rows = append(rows, []string{strconv.Itoa(n.No), n.Name})
		}
		writeTable(os.Stdout, []string{"No", "不良名"}, rows)
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:     "users",
	GroupID: "maint",
	Short:   "List the AOI operators",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}
		users, err := lookup.LoadUsers(settings.UsersPath())
		if err != nil {
			return err
		}
		all := users.All()
		if format != formatTable {
			return writeData(os.Stdout, format, all)
		}
		rows := make([][]string, 0, len(all))
		for _, u := range all {
			rows = append(rows, []string{u.ID, u.Name})
		}
		writeTable(os.Stdout, []string{"ID", "氏名"}, rows)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:     "schedule [lot]",
	GroupID: "maint",
	Short:   "Read the SMT schedule and refresh its cache",
	Long: `Read every schedule workbook in the schedule directory, write the
schedule cache to the data directory and print the entry of lot, or every
entry without one.

With --cached only the cache is read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cached, _ := cmd.Flags().GetBool("cached")
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}

		var sched *lookup.Schedule
		if cached {
			sched = cachedSchedule(settings)
			if sched == nil {
				return fmt.Errorf("no schedule cache in %s", settings.Directories.Data)
			}
		} else {
			if settings.Directories.Schedule == "" {
				return fmt.Errorf("schedule directory not configured")
			}
			var err error
			sched, err = scheduleLoader(settings)(cmd.Context())
			if err != nil {
				return err
			}
			if settings.Directories.Data != "" {
				fmt.Fprintf(os.Stderr, "Cached %d lots in %s\n", sched.Len(), filepath.Join(settings.Directories.Data, lookup.ScheduleCacheFile))
			}
		}

		entries := sched.Entries()
		if len(args) == 1 {
			info, ok := sched.Lookup(args[0])
			if !ok {
				return fmt.Errorf("lot %s not in schedule", args[0])
			}
			entries = []lookup.LotInfo{info}
		}
		if format != formatTable {
			return writeData(os.Stdout, format, entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.LotNumber, e.ModelCode, e.LineName})
		}
		writeTable(os.Stdout, []string{"指図", "品目", "号機"}, rows)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{mappingCmd, usersCmd, scheduleCmd} {
		cmd.Flags().String("format", formatTable, "output format: table, json or yaml")
	}
	scheduleCmd.Flags().Bool("cached", false, "read only the schedule cache")
	rootCmd.AddCommand(mappingCmd, usersCmd, scheduleCmd)
}
