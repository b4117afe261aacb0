package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

// FileBackend persists token records as JSON files under the data
// directory. Local disk is best-effort in the target deployment: it
// speeds up warm restarts but is not relied on for durability.
type FileBackend struct {
	dir    string
	logger *zap.Logger
}

// NewFileBackend creates a FileBackend rooted at dir.
func NewFileBackend(dir string, logger *zap.Logger) *FileBackend {
	return &FileBackend{
		dir:    dir,
		logger: logger.Named("file-backend"),
	}
}

// Name implements Backend.
func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) path(tenantID string) string {
	return filepath.Join(f.dir, FileName(tenantID))
}

// Load implements Backend. A missing file is "no token yet"; a
// malformed file degrades the same way.
func (f *FileBackend) Load(_ context.Context, tenantID string) (*storage.TokenRecord, error) {
	data, err := os.ReadFile(f.path(tenantID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	record := &storage.TokenRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		f.logger.Warn("discarding malformed token file",
			zap.String("path", f.path(tenantID)),
			zap.Error(err))
		return nil, nil
	}
	return record, nil
}

// Save implements Backend. The write goes through a temp file and
// rename so readers never observe a partial record.
func (f *FileBackend) Save(_ context.Context, tenantID string, record *storage.TokenRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize token record: %w", err)
	}

	path := f.path(tenantID)
	tmp, err := os.CreateTemp(f.dir, FileName(tenantID)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move token file into place: %w", err)
	}

	f.logger.Debug("token record written", zap.String("path", path))
	return nil
}

// Clear implements Backend.
func (f *FileBackend) Clear(_ context.Context, tenantID string) error {
	err := os.Remove(f.path(tenantID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
