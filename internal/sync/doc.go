// Package sync reconciles a workstation's local store with the shared store.
//
// Overview
//
// Every inspection workstation writes defects to its own SQLite file in the
// data directory. A second file of the same schema lives in a shared network
// directory and collects the records of all workstations:
//
//	data/aoi_data.db  (local, WAL)
//	     │  Seed: pull rows the workstation does not know yet
//	     │  Merge: push every local row and deletion
//	     ↓
//	shared/aoi_data.db  (shared, rollback journal)
//
// Seeding runs when a session starts or settings change. If the shared file
// does not exist, this workstation creates it. If the local file does not
// exist, the shared file is copied to become the local file.
//
// Merging runs when a session closes, after the local store has been written
// and closed. Rows are merged by identity and the last merge wins; there is
// no field-level conflict resolution between workstations. Deletions travel
// as tombstones. An unreachable shared directory skips the merge and leaves
// local data untouched.
//
// Usage
//
//	merger := sync.New(sync.Config{LocalDir: "data", SharedDir: `\\nas\aoi`})
//	res, err := merger.Merge(ctx)
package sync
