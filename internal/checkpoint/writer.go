// Package checkpoint buffers harvested records per partition and flushes
// them to append-only CSV files.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// DefaultPrefix names partition files when no prefix is configured.
const DefaultPrefix = "incidents"

// PersistenceError reports a failed flush. Unconfirmed lists every ID
// buffered since the last successful flush.
type PersistenceError struct {
	Path        string
	Unconfirmed []incident.RecordID
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (%d unconfirmed ids): %v", e.Path, len(e.Unconfirmed), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrClosed is returned when a closed Writer is used.
var ErrClosed = errors.New("checkpoint writer closed")

// Config locates partition files.
type Config struct {
	Dir     string
	Prefix  string
	Encoder Encoder
	// NoSync skips fsync after each flush; tests only.
	NoSync bool
}

// Writer owns the batch and file handle of one partition. It is not safe
// for concurrent use; each worker owns its own Writer.
type Writer struct {
	cfg  Config
	span incident.Span
	path string

	file   *os.File
	buf    *bufio.Writer
	header bool

	batch   []incident.Record
	flushes int
	rows    int
	last    incident.RecordID
	failed  error
	closed  bool
}

// PartitionFile returns the file name for a span: <prefix>_<lower>-<upper>.csv.
func PartitionFile(prefix string, span incident.Span) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_%s.csv", prefix, span.Key())
}

// NewWriter prepares a Writer for span. No file is touched until the first
// Flush.
func NewWriter(cfg Config, span incident.Span) *Writer {
	if cfg.Encoder == nil {
		cfg.Encoder = RecordEncoder{}
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	return &Writer{
		cfg:  cfg,
		span: span,
		path: filepath.Join(dir, PartitionFile(cfg.Prefix, span)),
	}
}

// Path is the partition file location.
func (w *Writer) Path() string { return w.path }

// Record appends rec to the batch.
func (w *Writer) Record(rec incident.Record) {
	w.batch = append(w.batch, rec)
}

// Pending lists the IDs buffered since the last successful flush.
func (w *Writer) Pending() []incident.RecordID {
	ids := make([]incident.RecordID, len(w.batch))
	for i, rec := range w.batch {
		ids[i] = rec.ID
	}
	return ids
}

// Flushes counts successful flushes, including empty ones.
func (w *Writer) Flushes() int { return w.flushes }

// Rows counts rows written, excluding the header.
func (w *Writer) Rows() int { return w.rows }

// LastConfirmed is the highest ID durably written so far, or 0.
func (w *Writer) LastConfirmed() incident.RecordID { return w.last }

// Flush writes the batch to the partition file, preceded by the header when
// the file is empty, and syncs it. It returns the number of rows written.
// Even an empty flush creates the file so every partition carries a header.
// After a failure the Writer refuses further flushes and keeps the batch.
func (w *Writer) Flush() (int, error) {
	if w.closed {
		return 0, w.persistErr(ErrClosed)
	}
	if w.failed != nil {
		return 0, w.persistErr(w.failed)
	}
	if err := w.write(); err != nil {
		w.failed = err
		return 0, w.persistErr(err)
	}
	n := len(w.batch)
	for _, rec := range w.batch {
		if rec.ID > w.last {
			w.last = rec.ID
		}
	}
	w.rows += n
	w.flushes++
	clear(w.batch)
	w.batch = w.batch[:0]
	return n, nil
}

func (w *Writer) write() error {
	if err := w.open(); err != nil {
		return err
	}
	if !w.header {
		if err := w.writeLine(w.cfg.Encoder.Header()); err != nil {
			return err
		}
	}
	for _, rec := range w.batch {
		if err := w.writeLine(w.cfg.Encoder.Row(rec)); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}
	w.header = true
	if w.cfg.NoSync {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// open creates the file on first use. A non-empty existing file already
// carries its header, so re-runs append rows only.
func (w *Writer) open() error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.header = info.Size() > 0
	return nil
}

func (w *Writer) writeLine(line string) error {
	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (w *Writer) persistErr(err error) *PersistenceError {
	return &PersistenceError{Path: w.path, Unconfirmed: w.Pending(), Err: err}
}

// Close releases the file handle. Buffered records that were never flushed
// are not written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}
