// Package vfs is the thin filesystem environment seam that the core
// write/compaction pipeline is built against. Per spec.md §1 the
// filesystem abstraction itself (mmap, sequential/random file flavors,
// directory listing semantics) is an external collaborator; this package
// presents just enough of a surface — create/open/remove/rename/list,
// plus an advisory process lock — for the core to exercise crash-safe
// atomic-rename semantics without hard-coding os.* calls everywhere.
package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
)

// File is the subset of *os.File the core pipeline needs.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (os.FileInfo, error)
}

// FS is the environment service. The default implementation wraps the
// local filesystem; tests may substitute an in-memory one.
type FS interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	OpenDir(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	MkdirAll(dir string) error
	List(dir string) ([]string, error)
	PathJoin(elem ...string) string
	Lock(name string) (io.Closer, error)
}

// Default is the real, local-disk FS.
var Default FS = diskFS{}

type diskFS struct{}

func (diskFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	return f, errors.Wrapf(err, "partnerdb: create %q", name)
}

func (diskFS) Open(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	return f, errors.Wrapf(err, "partnerdb: open %q", name)
}

func (diskFS) OpenDir(name string) (File, error) {
	f, err := os.Open(name)
	return f, errors.Wrapf(err, "partnerdb: open dir %q", name)
}

func (diskFS) Remove(name string) error {
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "partnerdb: remove %q", name)
}

func (diskFS) Rename(oldname, newname string) error {
	return errors.Wrapf(os.Rename(oldname, newname), "partnerdb: rename %q -> %q", oldname, newname)
}

func (diskFS) MkdirAll(dir string) error {
	return errors.Wrapf(os.MkdirAll(dir, 0755), "partnerdb: mkdir %q", dir)
}

func (diskFS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "partnerdb: list %q", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (diskFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }

func (diskFS) Lock(name string) (io.Closer, error) { return lockFile(name) }
