package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/kintone"
	"github.com/ktec-smt/aoirecord/internal/metrics"
	"github.com/ktec-smt/aoirecord/internal/schema"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
)

var seedCmd = &cobra.Command{
	Use:     "seed",
	GroupID: "sync",
	Short:   "Prepare the local store from the shared store",
	Long: `Prepare the local store from the shared store, as a session does at
startup:

  1. Creates the shared store when it does not exist yet
  2. Copies the shared store when there is no local store
  3. Otherwise pulls shared records the local store does not know
  4. Refreshes repair annotations from the shared store`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMerger()
		if err != nil {
			return err
		}
		res, err := m.Seed(cmd.Context())
		if err != nil {
			return err
		}
		if res.CreatedShared {
			fmt.Println("Created shared store")
		}
		if res.CopiedLocal {
			fmt.Println("Copied shared store to local store")
		}
		fmt.Printf("Pulled %d records, refreshed %d repairs\n", res.Pulled, res.Repairs)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:     "merge",
	GroupID: "sync",
	Short:   "Merge the local store into the shared store",
	Long: `Merge the local store into the shared store, as a session does when it
closes. Records deleted locally are deleted from the shared store and every
local record is upserted. The shared file is retried while another
workstation holds its lock.

Do not run this while a session is open on this workstation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMerger()
		if err != nil {
			return err
		}
		res, err := m.Merge(cmd.Context())
		if err != nil {
			return err
		}
		if res.Created {
			fmt.Println("Created shared store")
		}
		fmt.Printf("Merged %d records, %d deletions in %v\n", res.Upserted, res.Deleted, res.Duration.Round(time.Millisecond))
		return nil
	},
}

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "sync",
	Short:   "kintone defect app operations",
}

var remoteCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the connection to the kintone app",
	RunE: func(cmd *cobra.Command, args []string) error {
		syncer, err := newSyncer()
		if err != nil {
			return err
		}
		ok, err := syncer.CheckConnection(cmd.Context())
		if !ok {
			return fmt.Errorf("not connected: %w", err)
		}
		fmt.Println("Connected")
		return nil
	},
}

var remotePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Post local records to the kintone app",
	Long: `Post records of the local store to the kintone app. Records without a
kintone reference are created, the others updated with --all. New
references are written back to the local store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lot, _ := cmd.Flags().GetString("lot")
		all, _ := cmd.Flags().GetBool("all")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()

		store, err := openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()

		defects, err := store.ListDefectsContext(ctx, db.ListFilter{LotNumber: lot})
		if err != nil {
			return err
		}
		var pending []schema.Defect
		for _, d := range defects {
			if all || d.RemoteID == "" {
				pending = append(pending, d)
			}
		}
		if len(pending) == 0 {
			fmt.Println("Nothing to post")
			return nil
		}
		if dryRun {
			fmt.Printf("Would post %d records\n", len(pending))
			return nil
		}

		syncer, err := newSyncer()
		if err != nil {
			return err
		}
		if ok, err := syncer.CheckConnection(ctx); !ok {
			return fmt.Errorf("not connected: %w", err)
		}

		posted, postErr := syncer.PostRecords(ctx, pending)
		var adopted []schema.Defect
		for i, d := range posted {
			if pending[i].RemoteID == "" && d.RemoteID != "" {
				adopted = append(adopted, d)
			}
		}
		if len(adopted) > 0 {
			if err := store.UpsertDefectsContext(ctx, adopted); err != nil {
				return fmt.Errorf("failed to store kintone references: %w", err)
			}
		}
		fmt.Printf("Posted %d records, %d new\n", len(pending), len(adopted))
		return postErr
	},
}

func init() {
	remotePushCmd.Flags().String("lot", "", "only this lot")
	remotePushCmd.Flags().Bool("all", false, "also update records already in kintone")
	remotePushCmd.Flags().Bool("dry-run", false, "only count the records to post")

	remoteCmd.AddCommand(remoteCheckCmd, remotePushCmd)
	rootCmd.AddCommand(seedCmd, mergeCmd, remoteCmd)
}

func newMerger() (aoisync.Merger, error) {
	if settings.Directories.Data == "" || settings.Directories.Shared == "" {
		return nil, aoisync.ErrSharedNotConfigured
	}
	return aoisync.New(aoisync.Config{
		LocalDir:  settings.Directories.Data,
		SharedDir: settings.Directories.Shared,
		Logger:    logger("merge"),
	}), nil
}

func newSyncer() (*kintone.Syncer, error) {
	client, err := kintone.NewClient(settings.KintoneConfig(), logger("kintone"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Set [kintone] subdomain, app_id and api_token in %s\n", settings.Path())
		return nil, err
	}
	return kintone.NewSyncer(client, metrics.New(), logger("kintone")), nil
}
