package record

import "github.com/dialtr/partnerdb/internal/vfs"

// LogWriter is the WAL-facing convenience wrapper dialtr-pebble/db.go
// uses as d.mu.log.LogWriter, exposing a one-call WriteRecord instead of
// the Next()/Write()/Close() handle triple that Writer exposes (the
// latter is kept for the manifest, which interleaves encode calls).
type LogWriter struct {
	*Writer
}

// NewLogWriter wraps f as a WAL.
func NewLogWriter(f vfs.File) *LogWriter {
	return &LogWriter{Writer: NewWriter(f)}
}

// WriteRecord appends data as one logical record and returns the number
// of bytes written.
func (w *LogWriter) WriteRecord(data []byte) (int64, error) {
	rw, err := w.Next()
	if err != nil {
		return 0, err
	}
	if _, err := rw.Write(data); err != nil {
		return 0, err
	}
	if err := rw.Close(); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
