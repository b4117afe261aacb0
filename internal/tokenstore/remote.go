package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

const remoteRequestTimeout = 15 * time.Second

// RemoteBackend pushes the serialized token record to a platform
// config-vars API (PATCH /apps/{app}/config-vars). The platform
// materializes config vars as process env vars on the next boot, which
// the EnvBackend then reads: that pair is what survives an ephemeral
// filesystem. Loads are therefore served by EnvBackend, not here.
type RemoteBackend struct {
	baseURL    string
	appID      string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemoteBackend creates a RemoteBackend for the given platform API.
func NewRemoteBackend(baseURL, appID, apiToken string, logger *zap.Logger) *RemoteBackend {
	return &RemoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: remoteRequestTimeout},
		logger:     logger.Named("remote-backend"),
	}
}

// Name implements Backend.
func (r *RemoteBackend) Name() string { return "remote" }

// Load implements Backend. The remote channel is write-only from this
// process's perspective; reads happen via the materialized env var.
func (r *RemoteBackend) Load(_ context.Context, _ string) (*storage.TokenRecord, error) {
	return nil, nil
}

// Save implements Backend.
func (r *RemoteBackend) Save(ctx context.Context, tenantID string, record *storage.TokenRecord) error {
	serialized, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize token record: %w", err)
	}
	return r.patchConfigVar(ctx, EnvVarName(tenantID), string(serialized))
}

// Clear implements Backend. Setting the config var to null deletes it.
func (r *RemoteBackend) Clear(ctx context.Context, tenantID string) error {
	return r.patchConfigVar(ctx, EnvVarName(tenantID), "")
}

func (r *RemoteBackend) patchConfigVar(ctx context.Context, name, value string) error {
	payload := map[string]*string{name: nil}
	if value != "" {
		payload[name] = &value
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize config var payload: %w", err)
	}

	url := fmt.Sprintf("%s/apps/%s/config-vars", r.baseURL, r.appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create config var request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("config var request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("config var API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	r.logger.Info("config var updated", zap.String("name", name))
	return nil
}
