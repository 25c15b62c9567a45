package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// NewMem returns an in-memory FS, the same seam real pebble's vfs.MemFS
// fills: deterministic tests that exercise crash/recovery behavior (a
// WAL append that "never happened" because the process died before a
// later fsync) without touching the real disk. Grounded on spec.md §8's
// end-to-end scenario E1 ("kill process mid-stream"), which needs a way
// to truncate a file's backing bytes at an exact byte offset — something
// the real OS file handle doesn't expose without actually crashing.
func NewMem() *MemFS {
	return &MemFS{dirs: map[string]bool{"": true}, files: map[string]*memFileData{}}
}

type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFileData
	dirs  map[string]bool
}

type memFileData struct {
	mu   sync.Mutex
	data []byte
}

func clean(name string) string { return filepath.Clean(filepath.ToSlash(name)) }

func (fs *MemFS) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.files == nil {
		fs.files = map[string]*memFileData{}
	}
	name = clean(name)
	d := &memFileData{}
	fs.files[name] = d
	return &memFile{name: name, fs: fs, d: d}, nil
}

func (fs *MemFS) Open(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = clean(name)
	d, ok := fs.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{name: name, fs: fs, d: d}, nil
}

func (fs *MemFS) OpenDir(name string) (File, error) { return fs.Open(name) }

func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = clean(name)
	if _, ok := fs.files[name]; !ok {
		return nil
	}
	delete(fs.files, name)
	return nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldname, newname = clean(oldname), clean(newname)
	d, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	fs.files[newname] = d
	delete(fs.files, oldname)
	return nil
}

func (fs *MemFS) MkdirAll(dir string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirs[clean(dir)] = true
	return nil
}

func (fs *MemFS) List(dir string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir = clean(dir)
	prefix := dir + "/"
	var names []string
	for name := range fs.files {
		if rel, ok := stripPrefix(name, prefix); ok {
			names = append(names, rel)
		}
	}
	sort.Strings(names)
	return names, nil
}

func stripPrefix(name, prefix string) (string, bool) {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}

func (fs *MemFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }

func (fs *MemFS) Lock(name string) (io.Closer, error) { return io.NopCloser(nil), nil }

// Truncate simulates a crash mid-write: everything appended to name past
// offset is discarded, modeling a process death after a partial WAL
// record reached the in-memory buffer but before the rest of the batch
// (or its CRC trailer) was written.
func (fs *MemFS) Truncate(name string, offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.files[clean(name)]
	if !ok {
		return &os.PathError{Op: "truncate", Path: name, Err: os.ErrNotExist}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if int64(len(d.data)) > offset {
		d.data = d.data[:offset]
	}
	return nil
}

// Size returns the current length of name's backing buffer, letting a
// test compute a truncation offset (e.g. "cut right after record K").
func (fs *MemFS) Size(name string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.files[clean(name)]
	if !ok {
		return 0, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}

type memFile struct {
	name string
	fs   *MemFS
	d    *memFileData
	pos  int64
}

func (f *memFile) Read(p []byte) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if f.pos >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if off >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	f.d.data = append(f.d.data[:f.pos], p...)
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.d.data)) {
		grown := make([]byte, end)
		copy(grown, f.d.data)
		f.d.data = grown
	}
	copy(f.d.data[off:end], p)
	return len(p), nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error { return nil }

func (f *memFile) Stat() (os.FileInfo, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	return memFileInfo{name: filepath.Base(f.name), size: int64(len(f.d.data))}, nil
}

type memFileInfo struct {
	name string
	size int64
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() os.FileMode  { return 0644 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return false }
func (fi memFileInfo) Sys() interface{}   { return nil }

var _ FS = (*MemFS)(nil)
var _ io.ReadWriteCloser = (*memFile)(nil)
