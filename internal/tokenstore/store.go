// Package tokenstore persists per-tenant OAuth token records across an
// ordered chain of backends. Loads walk the chain and return the first
// hit; saves fan out to every backend so the record survives both a
// process restart (local file / bolt) and a filesystem wipe (remote
// config vars materialized as env vars).
package tokenstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

// EnvVarBase is the environment variable holding the serialized token
// record in single-tenant mode; tenant-scoped variants append the
// upper-cased tenant id.
const EnvVarBase = "XMCP_TOKEN"

// Backend is one persistence strategy in the chain. Load returns
// (nil, nil) when the backend holds no record: absence is a normal
// state, not an error.
type Backend interface {
	Name() string
	Load(ctx context.Context, tenantID string) (*storage.TokenRecord, error)
	Save(ctx context.Context, tenantID string, record *storage.TokenRecord) error
	Clear(ctx context.Context, tenantID string) error
}

// PersistenceError reports which backends failed during a save or
// clear. The in-memory record is still valid; the caller just knows
// durability was not achieved everywhere.
type PersistenceError struct {
	Op       string
	Failures map[string]error
}

func (e *PersistenceError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	return fmt.Sprintf("token %s failed on backends: %s", e.Op, strings.Join(names, ", "))
}

// Store composes backends into the load chain / save fan-out.
type Store struct {
	backends []Backend
	logger   *zap.Logger
}

// New creates a Store trying backends in the given order on load.
func New(logger *zap.Logger, backends ...Backend) *Store {
	return &Store{
		backends: backends,
		logger:   logger.Named("tokenstore"),
	}
}

// Load returns the tenant's token record, or an empty record when no
// backend holds one. Backend read failures degrade to the next backend.
func (s *Store) Load(ctx context.Context, tenantID string) (*storage.TokenRecord, error) {
	for _, backend := range s.backends {
		record, err := backend.Load(ctx, tenantID)
		if err != nil {
			s.logger.Warn("token load failed, trying next backend",
				zap.String("backend", backend.Name()),
				zap.String("tenant", tenantID),
				zap.Error(err))
			continue
		}
		if record != nil && !record.Empty() {
			s.logger.Debug("token record loaded",
				zap.String("backend", backend.Name()),
				zap.String("tenant", tenantID))
			return record, nil
		}
	}
	return &storage.TokenRecord{}, nil
}

// Save writes the record to every backend. All backends are attempted;
// failures are aggregated into a PersistenceError so the caller knows
// durability was partial. The destination name is logged so an operator
// can locate the persisted copy; the token material itself is not.
func (s *Store) Save(ctx context.Context, tenantID string, record *storage.TokenRecord) error {
	failures := make(map[string]error)
	for _, backend := range s.backends {
		if err := backend.Save(ctx, tenantID, record); err != nil {
			failures[backend.Name()] = err
			s.logger.Error("token save failed",
				zap.String("backend", backend.Name()),
				zap.String("tenant", tenantID),
				zap.Error(err))
		}
	}

	s.logger.Info("token record saved",
		zap.String("tenant", tenantID),
		zap.String("env_var", EnvVarName(tenantID)),
		zap.Int("backends", len(s.backends)-len(failures)))

	if len(failures) > 0 {
		return &PersistenceError{Op: "save", Failures: failures}
	}
	return nil
}

// Clear removes the tenant's record from every backend.
func (s *Store) Clear(ctx context.Context, tenantID string) error {
	failures := make(map[string]error)
	for _, backend := range s.backends {
		if err := backend.Clear(ctx, tenantID); err != nil {
			failures[backend.Name()] = err
		}
	}
	if len(failures) > 0 {
		return &PersistenceError{Op: "clear", Failures: failures}
	}
	return nil
}

// EnvVarName derives the environment variable name for a tenant's token
// record. Tenant ids are case-folded to upper case with non-alphanumeric
// runes mapped to underscores.
func EnvVarName(tenantID string) string {
	if tenantID == "" || tenantID == "default" {
		return EnvVarBase
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(tenantID) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return EnvVarBase + "_" + b.String()
}

// FileName derives the local token file name for a tenant.
func FileName(tenantID string) string {
	if tenantID == "" || tenantID == "default" {
		return "token.json"
	}
	return "token." + tenantID + ".json"
}
