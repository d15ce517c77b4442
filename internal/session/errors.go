package session

import (
	"errors"

	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Validation errors leave the session unchanged. Errors raised while
// selecting a lot also roll the selection back to NoLot.
var (
	ErrUserNotSet         = errors.New("operator not set")
	ErrUnknownUser        = errors.New("unknown operator id")
	ErrInvalidLot         = schema.ErrInvalidLotNumber
	ErrItemCodeCancelled  = errors.New("item code entry cancelled")
	ErrImageNotFound      = lookup.ErrImageNotFound
	ErrImageName          = lookup.ErrImageNameFormat
	ErrNoLot              = errors.New("no lot selected")
	ErrMissingInput       = errors.New("reference and defect name are required")
	ErrNoCoordinates      = errors.New("no position selected on the board")
	ErrNoSelection        = errors.New("no defect selected")
	ErrFirstBoard         = errors.New("already on the first board")
	ErrDataDirUnavailable = errors.New("data directory unavailable")
	ErrClosed             = errors.New("session closed")
)

// ErrLocalBusy is returned by Close when an earlier local write is still
// running. The final write and the close of the local store are skipped.
var ErrLocalBusy = errors.New("local store still writing")
