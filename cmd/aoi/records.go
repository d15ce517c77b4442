package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/csvio"
	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/schema"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List recorded defects",
	Long: `List defects from the local store, or the shared store with --shared.

--since accepts dates (2026-03-01) and phrases such as "yesterday" or
"3 days ago".

Examples:
  aoi list --lot 1234567-10
  aoi list --since yesterday --format yaml
  aoi list --shared --lot 1234567-10 --board 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lot, _ := cmd.Flags().GetString("lot")
		board, _ := cmd.Flags().GetInt("board")
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		shared, _ := cmd.Flags().GetBool("shared")
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}
		if lot != "" {
			if err := schema.ValidateLotNumber(lot); err != nil {
				return err
			}
		}
		from, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}

		store, err := openStore(shared)
		if err != nil {
			return err
		}
		defer store.Close()

		defects, err := store.ListDefectsContext(cmd.Context(), db.ListFilter{
			LotNumber:  lot,
			BoardIndex: board,
			Since:      from,
			Limit:      limit,
		})
		if err != nil {
			return err
		}

		if format != formatTable {
			if defects == nil {
				defects = []schema.Defect{}
			}
			return writeData(os.Stdout, format, defects)
		}
		if len(defects) == 0 {
			fmt.Println("No defects found")
			return nil
		}
		rows := make([][]string, 0, len(defects))
		for _, d := range defects {
			rows = append(rows, []string{
				d.LotNumber,
				strconv.Itoa(d.BoardIndex),
				strconv.Itoa(d.DefectNumber),
				d.Reference,
				d.DefectName,
				d.AOIUser,
				d.InsertedAt().Local().Format("2006-01-02 15:04"),
				d.RemoteID,
			})
		}
		writeTable(os.Stdout, []string{"指図", "基板", "No", "リファレンス", "不良名", "AOI担当", "登録日時", "kintone"}, rows)
		fmt.Printf("%d defects\n", len(defects))
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	GroupID: "records",
	Short:   "Show store contents per lot",
	Long: `Show the location, row counts and per-lot summary of the local store,
or the shared store with --shared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shared, _ := cmd.Flags().GetBool("shared")
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}

		store, err := openStore(shared)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		counts, err := store.Counts(ctx)
		if err != nil {
			return err
		}
		lots, err := store.Lots(ctx)
		if err != nil {
			return err
		}

		if format != formatTable {
			if lots == nil {
				lots = []db.LotSummary{}
			}
			return writeData(os.Stdout, format, struct {
				Path   string          `json:"path" yaml:"path"`
				Counts db.Counts       `json:"counts" yaml:"counts"`
				Lots   []db.LotSummary `json:"lots" yaml:"lots"`
			}{store.Path(), counts, lots})
		}

		fmt.Printf("Store:      %s\n", store.Path())
		if info, err := os.Stat(store.Path()); err == nil {
			fmt.Printf("Size:       %.1f KB\n", float64(info.Size())/1024)
		}
		fmt.Printf("Defects:    %d\n", counts.Defects)
		fmt.Printf("Repairs:    %d\n", counts.Repairs)
		fmt.Printf("Tombstones: %d\n", counts.Tombstones)
		if len(lots) == 0 {
			return nil
		}
		rows := make([][]string, 0, len(lots))
		for _, l := range lots {
			rows = append(rows, []string{l.LotNumber, l.ModelCode, strconv.Itoa(l.Boards), strconv.Itoa(l.Defects)})
		}
		writeTable(os.Stdout, []string{"指図", "品目", "基板数", "不良数"}, rows)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <lot>",
	GroupID: "records",
	Short:   "Export a lot to CSV",
	Long: `Write the defects of a lot from the local store to a UTF-8 CSV with BOM.

Without --out the file is <data>/<lot>_export.csv. With --repairs the repair
list <data>/<lot>_repaird_list.csv is written as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lot := args[0]
		if err := schema.ValidateLotNumber(lot); err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		repairs, _ := cmd.Flags().GetBool("repairs")
		if out == "" {
			if settings.Directories.Data == "" {
				return fmt.Errorf("data directory not configured, use --out")
			}
			out = filepath.Join(settings.Directories.Data, lot+"_export.csv")
		}

		store, err := openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		defects, err := store.DefectsByLotContext(ctx, lot)
		if err != nil {
			return err
		}
		if err := csvio.SaveDefects(out, defects); err != nil {
			return err
		}
		fmt.Printf("Wrote %d defects to %s\n", len(defects), out)

		if repairs {
			list, err := store.RepairsByLot(ctx, lot)
			if err != nil {
				return err
			}
			path, err := csvio.RepairCSVPath(settings.Directories.Data, lot)
			if err != nil {
				return err
			}
			if err := csvio.SaveRepairs(path, list); err != nil {
				return err
			}
			fmt.Printf("Wrote %d repairs to %s\n", len(list), path)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <csv>",
	GroupID: "records",
	Short:   "Import a defect or repair CSV into the local store",
	Long: `Read a defect list CSV (as written by export) and upsert it into the
local store. Identities are recomputed from model code, lot, board and
number, so importing the same file twice changes nothing.

With --repairs the file is read as a repair list instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repairs, _ := cmd.Flags().GetBool("repairs")

		store, err := openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()

		if repairs {
			list, err := csvio.LoadRepairs(args[0])
			if err != nil {
				return err
			}
			if err := store.UpsertRepairs(cmd.Context(), list); err != nil {
				return err
			}
			fmt.Printf("Imported %d repairs\n", len(list))
			return nil
		}

		defects, err := csvio.LoadDefects(args[0])
		if err != nil {
			return err
		}
		for i := range defects {
			defects[i].Normalize()
			defects[i].AssignID()
			if err := defects[i].Validate(); err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		if err := store.UpsertDefectsContext(cmd.Context(), defects); err != nil {
			return err
		}
		fmt.Printf("Imported %d defects\n", len(defects))
		return nil
	},
}

func init() {
	listCmd.Flags().String("lot", "", "only this lot")
	listCmd.Flags().Int("board", 0, "only this board (with --lot)")
	listCmd.Flags().String("since", "", "only defects recorded since this time")
	listCmd.Flags().Int("limit", 0, "maximum number of defects")
	listCmd.Flags().Bool("shared", false, "read the shared store")
	listCmd.Flags().String("format", formatTable, "output format: table, json or yaml")

	inspectCmd.Flags().Bool("shared", false, "read the shared store")
	inspectCmd.Flags().String("format", formatTable, "output format: table, json or yaml")

	exportCmd.Flags().String("out", "", "output file")
	exportCmd.Flags().Bool("repairs", false, "also write the repair list")

	importCmd.Flags().Bool("repairs", false, "the file is a repair list")

	rootCmd.AddCommand(listCmd, inspectCmd, exportCmd, importCmd)
}

// openStore opens the local store, or the shared store when shared is set.
func openStore(shared bool) (*db.DB, error) {
	if shared {
		if settings.Directories.Shared == "" {
			return nil, fmt.Errorf("shared directory not configured")
		}
		return db.OpenShared(filepath.Join(settings.Directories.Shared, db.FileName))
	}
	if settings.Directories.Data == "" {
		return nil, fmt.Errorf("data directory not configured")
	}
	return db.OpenDir(settings.Directories.Data)
}
