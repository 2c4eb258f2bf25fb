package engine

import (
	"errors"

	"github.com/mschirtzinger/checksync/internal/store"
)

// ErrNotFound is returned when a toggle or lookup targets an unknown
// change or task. The transport layer maps it to a client error.
var ErrNotFound = store.ErrNotFound

// ErrWriteBackFailed is returned when a file rewrite fails after the
// store mutation already committed. The store is not rolled back: it is
// the canonical value for UI purposes and the file is a best-effort
// projection. The operation is retryable.
var ErrWriteBackFailed = errors.New("write-back failed")

// ErrStoreUnavailable is returned when the persistence layer is
// unreachable. Fatal for the current operation only; the engine retries
// on the next triggering event.
var ErrStoreUnavailable = errors.New("store unavailable")

// IsRetryable reports whether the error kind is worth retrying on the
// next triggering event.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteBackFailed) || errors.Is(err, ErrStoreUnavailable)
}
