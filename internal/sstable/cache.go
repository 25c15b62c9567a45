package sstable

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/vfs"
)

const cacheShardCount = 16

// TableCache is the open-file / reader cache spec.md §5/§9 describes:
// "Files are reference-counted by file_no in a table cache ... deletion
// runs outside the catalog mutex." It shards by file_no (hashed with
// xxhash, the same library real pebble depends on for exactly this kind
// of cache-sharding) to keep per-shard lock contention down under
// concurrent reads from many goroutines.
type TableCache struct {
	fs       vfs.FS
	dirname  string
	cmp      base.Compare
	capacity int
	shards   [cacheShardCount]cacheShard
}

// NewTableCache creates a cache with capacity total open readers spread
// across its shards, per spec.md §6's max_open_files option.
func NewTableCache(fs vfs.FS, dirname string, cmp base.Compare, capacity int) *TableCache {
	tc := &TableCache{fs: fs, dirname: dirname, cmp: cmp, capacity: capacity}
	perShard := capacity / cacheShardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range tc.shards {
		tc.shards[i].init(perShard)
	}
	return tc
}

func (tc *TableCache) shardFor(fileNum uint64) *cacheShard {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fileNum >> (8 * i))
	}
	h := xxhash.Sum64(buf[:])
	return &tc.shards[h%cacheShardCount]
}

// Get returns an open Reader for fileNum, opening and caching it if
// necessary. The caller must call Unref when done.
func (tc *TableCache) Get(fileNum uint64) (*CachedReader, error) {
	shard := tc.shardFor(fileNum)
	return shard.get(tc, fileNum)
}

// Evict drops fileNum from the cache (called once its run is no longer
// referenced by any live version, just before the file is unlinked,
// per spec.md §3's lifecycle rule).
func (tc *TableCache) Evict(fileNum uint64) {
	tc.shardFor(fileNum).evict(fileNum)
}

type CachedReader struct {
	fileNum uint64
	reader  *Reader
	refs    int
	elem    *list.Element
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*CachedReader
	lru      *list.List // front = most recently used
}

func (s *cacheShard) init(capacity int) {
	s.capacity = capacity
	s.entries = map[uint64]*CachedReader{}
	s.lru = list.New()
}

func (s *cacheShard) get(tc *TableCache, fileNum uint64) (*CachedReader, error) {
	s.mu.Lock()
	if e, ok := s.entries[fileNum]; ok {
		e.refs++
		s.lru.MoveToFront(e.elem)
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	// Open without holding the lock: file I/O never happens under a
	// cache/catalog mutex (spec.md §5).
	f, err := tc.fs.Open(base.MakeFilename(tc.dirname, base.FileTypeTable, fileNum))
	if err != nil {
		legacy := base.LegacyTableFilename(tc.dirname, fileNum)
		f, err = tc.fs.Open(legacy)
		if err != nil {
			return nil, err
		}
	}
	r, err := NewReader(f, tc.cmp)
	if err != nil {
		f.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[fileNum]; ok {
		// Lost a race with another opener; keep theirs, discard ours.
		r.Close()
		e.refs++
		s.lru.MoveToFront(e.elem)
		return e, nil
	}
	e := &CachedReader{fileNum: fileNum, reader: r, refs: 1}
	e.elem = s.lru.PushFront(e)
	s.entries[fileNum] = e
	s.evictLocked()
	return e, nil
}

// evictLocked drops least-recently-used, zero-refcount entries until the
// shard is back under capacity.
func (s *cacheShard) evictLocked() {
	for len(s.entries) > s.capacity {
		back := s.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*CachedReader)
		if e.refs > 0 {
			return
		}
		s.lru.Remove(back)
		delete(s.entries, e.fileNum)
		e.reader.Close()
	}
}

func (s *cacheShard) evict(fileNum uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fileNum]
	if !ok {
		return
	}
	delete(s.entries, fileNum)
	s.lru.Remove(e.elem)
	if e.refs == 0 {
		e.reader.Close()
	}
}

// Unref releases a reference obtained from TableCache.Get.
func (tc *TableCache) Unref(c *CachedReader) {
	shard := tc.shardFor(c.fileNum)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	c.refs--
	shard.evictLocked()
}

// Reader returns the underlying Reader handle.
func (c *CachedReader) Reader() *Reader { return c.reader }

// Close closes every reader currently held by the cache. Call only once
// no more lookups will be issued (e.g. during Store.Close).
func (tc *TableCache) Close() error {
	var firstErr error
	for i := range tc.shards {
		s := &tc.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			if err := e.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.entries = map[uint64]*CachedReader{}
		s.lru.Init()
		s.mu.Unlock()
	}
	return firstErr
}
