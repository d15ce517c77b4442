// Package session implements the inspection session: the state of one open
// working window and the controller that drives it.
//
// The controller:
// 1. Validates operator input and builds defect records
// 2. Keeps the per-board numbering dense
// 3. Hands persistence to the local store and the remote app on background
//    goroutines
// 4. Folds the local store into the shared store when the session closes
//
// Controller methods are not safe for concurrent use. They are meant to be
// called from one interactive goroutine, which also applies the results of
// background work:
//
//	interactive goroutine           background goroutines
//	---------------------           ---------------------
//	Save ──────── spawn ──────────▶ local upsert
//	     └─────── spawn ──────────▶ remote post
//	Drain / Run ◀──── Event ─────── result
//
// Background goroutines never touch the record list. They work on a copy
// taken at spawn time and report back with an Event, which Drain, Run or
// Settle applies on the interactive goroutine.
package session
