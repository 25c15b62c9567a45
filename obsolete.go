package partnerdb

import (
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"go.uber.org/zap"
)

// deleteObsoleteFiles drops a run from the table cache and unlinks it
// from disk once it is no longer referenced by any live version,
// implementing spec.md §3's lifecycle rule ("unlinked from disk only
// after no live version references them") and invariant 6 (spec.md
// §8). It runs outside the catalog mutex, per spec.md §5 ("deletion
// runs outside the catalog mutex") — callers invoke it only after their
// own LogAndApply call has already returned.
func (db *Store) deleteObsoleteFiles(candidates []manifest.DeletedFileEntry) {
	if len(candidates) == 0 {
		return
	}
	live := db.versions.LiveFileNums()
	for _, c := range candidates {
		if _, ok := live[c.FileNum]; ok {
			continue
		}
		db.tableCache.Evict(c.FileNum)
		name := base.MakeFilename(db.dirname, base.FileTypeTable, c.FileNum)
		if err := db.fs.Remove(name); err != nil {
			db.logger.Warn("remove obsolete run", zap.Uint64("file_num", c.FileNum), zap.Error(err))
		}
	}
}

// removeObsoleteLog unlinks a WAL segment once every batch it held has
// been durably reflected in a committed version (here: once the
// memtable it backed has been flushed to an L0 run and that edit has
// committed), per spec.md §3's "The WAL file associated with log_no is
// deleted once every batch it contains is reflected in a committed
// version whose log_no exceeds it."
func (db *Store) removeObsoleteLog(logNumber uint64) {
	name := base.MakeFilename(db.dirname, base.FileTypeLog, logNumber)
	if err := db.fs.Remove(name); err != nil {
		db.logger.Warn("remove obsolete WAL segment", zap.Uint64("log_number", logNumber), zap.Error(err))
	}
}

// removeOrphanFiles is spec.md §6's "orphan files from crashed installs
// are garbage-collected at open time by cross-referencing the replayed
// version against the directory listing." It runs once, from Open,
// after recovery has replayed the manifest and every outstanding WAL:
// any .sst/.ldb run not referenced by the just-rebuilt current version,
// and any leftover .dbtmp scratch file, is safe to remove because
// nothing in the freshly recovered state can still be pointing at it.
// recoveredLogNums is excluded even though recovery has already read
// every byte of those segments: their data now lives only in the fresh
// in-memory table recover() built from them, and stays there — not yet
// captured in any committed version — until that memtable's first
// flush (spec.md §8 invariant 4), so deleting them here would discard
// a second, unrelated crash's worth of work.
func (db *Store) removeOrphanFiles(recoveredLogNums []uint64) {
	names, err := db.fs.List(db.dirname)
	if err != nil {
		db.logger.Warn("list database directory for orphan scan", zap.Error(err))
		return
	}
	keepLog := make(map[uint64]struct{}, len(recoveredLogNums)+1)
	for _, n := range recoveredLogNums {
		keepLog[n] = struct{}{}
	}
	keepLog[db.logNumber] = struct{}{}

	live := db.versions.LiveFileNums()
	for _, name := range names {
		ft, num, ok := base.ParseFilename(name)
		if !ok {
			continue
		}
		switch ft {
		case base.FileTypeTable:
			if _, ok := live[num]; ok {
				continue
			}
		case base.FileTypeTemp:
			// always orphaned: nothing durable ever depends on a .dbtmp
			// scratch file surviving a reopen.
		case base.FileTypeLog:
			if _, ok := keepLog[num]; ok {
				continue
			}
			// Any other .log file predates every segment recovery knows
			// about (e.g. one left behind by a bug in an earlier build)
			// and holds nothing reachable from the current state.
		default:
			continue
		}
		if err := db.fs.Remove(db.fs.PathJoin(db.dirname, name)); err != nil {
			db.logger.Warn("remove orphan file", zap.String("name", name), zap.Error(err))
		}
	}
}
