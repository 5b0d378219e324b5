package binlog

import (
	"fmt"
	"os"
	"sync"
)

// Writer appends records to the trunk binlog file. It is safe for
// concurrent use; records are written in one syscall each so replay
// never observes an interleaved line.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenWriter opens (creating if necessary) the binlog at path for
// appending.
func OpenWriter(path string) (*Writer, error) {
	w := &Writer{path: path}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trunk binlog %q: %w", w.path, err)
	}
	w.f = f
	return nil
}

// Path returns the binlog file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return fmt.Errorf("trunk binlog %q is closed", w.path)
	}
	if _, err := w.f.WriteString(FormatRecord(r)); err != nil {
		return fmt.Errorf("write trunk binlog record: %w", err)
	}
	return nil
}

// Sync flushes binlog contents to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

// Size returns the current binlog size in bytes. A missing file counts
// as zero.
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil {
		fi, err := w.f.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat trunk binlog: %w", err)
		}
		return fi.Size(), nil
	}

	fi, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat trunk binlog: %w", err)
	}
	return fi.Size(), nil
}

// Close syncs and closes the underlying file. The writer may be
// reopened with Reopen, which the compaction pipeline relies on while
// swapping binlog files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

// Reopen re-attaches the writer to its path after Close.
func (w *Writer) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil {
		return nil
	}
	return w.open()
}
