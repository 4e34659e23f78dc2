package larder

import (
	"errors"
	"fmt"
)

// Common errors returned by the Larder client and sync engine.
var (
	// ErrNotFound is returned when a ledger entry or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRecipeNotFound is returned when a recipe is not in the local library.
	ErrRecipeNotFound = errors.New("recipe not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a remote operation is attempted without a remote store.
	ErrOffline = errors.New("operation unavailable without a remote")

	// ErrNotAuthenticated is returned when the remote has no usable credentials.
	ErrNotAuthenticated = errors.New("remote not authenticated")

	// ErrNotConfigured is returned when sync is disabled or has no target folder.
	ErrNotConfigured = errors.New("sync not configured")

	// ErrRemoteNotFound is returned by remote stores when a file or folder is gone.
	ErrRemoteNotFound = errors.New("remote object not found")

	// ErrCursorExpired is returned by ListChanges when the cursor is older
	// than the changes the remote still retains.
	ErrCursorExpired = errors.New("change cursor expired")

	// ErrNoConflict is returned when resolving a recipe that is not in conflict.
	ErrNoConflict = errors.New("recipe is not in conflict")

	// ErrEmptyTitle is returned when saving a recipe without a title.
	ErrEmptyTitle = errors.New("recipe title cannot be empty")

	// ErrConflictRefNotFound is returned when a conflict reference cannot be resolved.
	ErrConflictRefNotFound = errors.New("conflict reference not found")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// RemoteError is returned by remote stores when a call fails with details.
// Extractable via errors.As(). Supports Unwrap().
type RemoteError struct {
	Operation  string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("remote: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRetryable reports whether err describes a remote failure worth retrying.
// Errors that are not RemoteErrors (network resets, timeouts) count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrCursorExpired) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}
