package tokenstore

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

// EnvBackend reads token records from process environment variables.
// The environment is materialized at boot by the hosting platform from
// its config vars, which is what lets a record survive an ephemeral
// filesystem. The backend is read-only: writes to the out-of-band
// channel go through the RemoteBackend.
type EnvBackend struct {
	logger *zap.Logger
	getenv func(string) string // overridable for tests
}

// NewEnvBackend creates an EnvBackend reading from the process env.
func NewEnvBackend(logger *zap.Logger) *EnvBackend {
	return &EnvBackend{
		logger: logger.Named("env-backend"),
		getenv: os.Getenv,
	}
}

// Name implements Backend.
func (e *EnvBackend) Name() string { return "env" }

// Load implements Backend. A malformed value degrades to "no token"
// rather than failing the load chain.
func (e *EnvBackend) Load(_ context.Context, tenantID string) (*storage.TokenRecord, error) {
	name := EnvVarName(tenantID)
	raw := e.getenv(name)
	if raw == "" {
		return nil, nil
	}

	record := &storage.TokenRecord{}
	if err := json.Unmarshal([]byte(unwrapQuotes(raw)), record); err != nil {
		e.logger.Warn("discarding malformed token env var",
			zap.String("env_var", name),
			zap.Error(err))
		return nil, nil
	}
	if record.Empty() {
		e.logger.Warn("discarding token env var with no access token",
			zap.String("env_var", name))
		return nil, nil
	}
	return record, nil
}

// Save implements Backend. The process environment cannot be written
// durably, so this is a no-op; the RemoteBackend owns the write side of
// the out-of-band channel.
func (e *EnvBackend) Save(_ context.Context, tenantID string, _ *storage.TokenRecord) error {
	e.logger.Debug("env backend is read-only, skipping save",
		zap.String("env_var", EnvVarName(tenantID)))
	return nil
}

// Clear implements Backend.
func (e *EnvBackend) Clear(_ context.Context, tenantID string) error {
	return os.Unsetenv(EnvVarName(tenantID))
}

// unwrapQuotes strips one layer of surrounding single or double quotes,
// which show up when the value was copy-pasted through a shell.
func unwrapQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
