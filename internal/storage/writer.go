// Package storage writes downloaded data to disk through a temporary part
// file that only takes the final name once the transfer succeeds.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PartSuffix is appended to the destination path while a transfer runs.
const PartSuffix = ".part"

// ErrClosed is returned when writing to a committed or aborted file.
var ErrClosed = errors.New("file writer closed")

// FileWriter streams a download into <path>.part.
type FileWriter struct {
	file    *os.File
	path    string
	written int64
	mu      sync.Mutex
	closed  bool
}

// NewFileWriter creates the destination directory and truncates any
// leftover part file for path.
func NewFileWriter(path string) (*FileWriter, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path+PartSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", path+PartSuffix, err)
	}

	return &FileWriter{file: file, path: path}, nil
}

// Write appends p to the part file.
func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit flushes the part file and renames it to the destination path.
func (w *FileWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return w.discard(fmt.Errorf("syncing file: %w", err))
	}
	if err := w.file.Close(); err != nil {
		return w.discard(fmt.Errorf("closing file: %w", err))
	}
	if err := os.Rename(w.file.Name(), w.path); err != nil {
		return w.discard(fmt.Errorf("renaming part file: %w", err))
	}
	return nil
}

// discard removes the part file after a failed Commit and returns err.
func (w *FileWriter) discard(err error) error {
	if rmErr := os.Remove(w.file.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
		return errors.Join(err, fmt.Errorf("removing part file: %w", rmErr))
	}
	return err
}

// Abort closes and removes the part file. It is a no-op after Commit.
func (w *FileWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part file: %w", err)
	}
	return nil
}

// Path returns the final destination path.
func (w *FileWriter) Path() string {
	return w.path
}

// PartPath returns the temporary path being written.
func (w *FileWriter) PartPath() string {
	return w.path + PartSuffix
}

// Written returns the bytes written so far.
func (w *FileWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// FileExists reports whether path can be stat'ed.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
