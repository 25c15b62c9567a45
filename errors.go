package partnerdb

import "github.com/cockroachdb/errors"

// Sentinel error kinds, matching spec.md §7. Internal call sites wrap
// these with github.com/cockroachdb/errors so callers can still recover
// the sentinel via errors.Is after the error has picked up file/offset
// context.
var (
	// ErrNotFound is returned by Get when the key is absent at the
	// requested snapshot. Non-fatal.
	ErrNotFound = errors.New("partnerdb: not found")

	// ErrCorruption marks on-disk data that failed an integrity check.
	ErrCorruption = errors.New("partnerdb: corruption")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("partnerdb: store closed")

	// ErrPoisoned is returned by every write after a WAL append or sync
	// failure. The store stays open for reads; it must be closed and
	// reopened to accept writes again.
	ErrPoisoned = errors.New("partnerdb: store poisoned by a prior write failure")

	// ErrInvalidArgument marks caller misuse (e.g. malformed options).
	ErrInvalidArgument = errors.New("partnerdb: invalid argument")

	// ErrNotSupported marks a request for unimplemented functionality.
	ErrNotSupported = errors.New("partnerdb: not supported")
)
