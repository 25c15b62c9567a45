package partnerdb

// LevelSummary is a read-only snapshot of one level's contents, for
// operator tooling such as partnerdbctl's manifest inspector.
type LevelSummary struct {
	Level     int
	NumFiles  int
	TotalSize uint64
}

// Levels returns a per-level summary of the current version, per
// spec.md §6's manifest-inspection surface.
func (db *Store) Levels() []LevelSummary {
	v := db.versions.CurrentVersion()
	v.Ref()
	defer v.Unref()

	out := make([]LevelSummary, 0, len(v.Files))
	for level, files := range v.Files {
		out = append(out, LevelSummary{
			Level:     level,
			NumFiles:  len(files),
			TotalSize: v.TotalBytes(level),
		})
	}
	return out
}
