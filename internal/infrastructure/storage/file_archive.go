package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/erp/invoicesync/internal/domain/integration"
)

var _ integration.RunArchive = (*FileRunArchive)(nil)

// FileRunArchive appends run records to a JSON-lines file
type FileRunArchive struct {
	mu   sync.Mutex
	path string
}

// NewFileRunArchive creates the parent directory of path if needed
func NewFileRunArchive(path string) (*FileRunArchive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileRunArchive{path: path}, nil
}

// Archive appends one line
func (a *FileRunArchive) Archive(ctx context.Context, rec *integration.ReconciliationRunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return f.Close()
}

// Path returns the archive file location
func (a *FileRunArchive) Path() string {
	return a.path
}
