// Package common defines the sentinel errors shared by the sync engine, the
// record store and the control API. Callers match them with errors.Is.
package common

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// Lookup errors (unknown host, job or path).
	ErrNotFound = errors.New("not found")

	// Unreadable source, unwritable destination or credential rejected.
	ErrPermissionDenied = errors.New("permission denied")

	// Transient or permanent transfer failure.
	ErrIO = errors.New("i/o error")

	// Finalization verification failed.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// Control request illegal for the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// Duplicate active job for the same source/destination.
	ErrAlreadyRunning = errors.New("already running")

	// Request rejected before reaching the engine.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrFileChanged = errors.New("file contents changed during sync")
	ErrStalled     = errors.New("transfer stalled")
)

// Classify wraps err with the taxonomy sentinel that best describes it.
// Errors that already carry a sentinel are returned untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrNotFound, ErrPermissionDenied, ErrIO, ErrChecksumMismatch,
		ErrInvalidTransition, ErrAlreadyRunning, ErrInvalidArgument,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}

// Kind returns the taxonomy name for err, used in API responses and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrAlreadyRunning):
		return "AlreadyRunning"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "IOError"
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
