package vfs

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

// lockFile acquires the advisory exclusive LOCK file described in
// spec.md §6, held for the lifetime of the process.
func lockFile(name string) (io.Closer, error) {
	fl := flock.New(name)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "partnerdb: lock %q", name)
	}
	if !ok {
		return nil, errors.Newf("partnerdb: directory already locked by another process: %q", name)
	}
	return fl, nil
}
