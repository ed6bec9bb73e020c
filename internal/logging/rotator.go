package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that starts a new file once the current one exceeds a
// size limit, keeping a bounded number of old files next to it.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileRotator opens (or creates) path for appending.
func NewFileRotator(path string, maxSizeMB int64, maxBackups int) (*FileRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	r := &FileRotator{path: path, maxBytes: maxSizeMB * 1024 * 1024, maxBackups: maxBackups}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	ext := filepath.Ext(r.path)
	rotated := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

// prune removes the oldest rotated files beyond maxBackups.
func (r *FileRotator) prune() {
	backups, err := r.Backups()
	if err != nil || len(backups) <= r.maxBackups {
		return
	}
	for _, old := range backups[:len(backups)-r.maxBackups] {
		os.Remove(old)
	}
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	matches, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
