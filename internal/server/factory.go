package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/oauth"
	"github.com/xmcp-labs/xmcp-go/internal/upstream/xapi"
)

// ClientFactory builds upstream API clients on demand. A client is
// constructed per call and never cached: the freshness check runs on
// every request, so a client can never outlive its token.
type ClientFactory struct {
	manager *oauth.Manager
	apiCfg  xapi.ClientConfig
	logger  *zap.Logger
}

// NewClientFactory creates the factory.
func NewClientFactory(manager *oauth.Manager, apiCfg xapi.ClientConfig, logger *zap.Logger) *ClientFactory {
	return &ClientFactory{manager: manager, apiCfg: apiCfg, logger: logger}
}

// GetClient ensures the tenant's token is fresh and returns an API
// client carrying it. A tenant with no usable token fails with
// ErrNotAuthorized naming the tenant, so the message can be surfaced
// verbatim to the user with re-authorization instructions.
func (f *ClientFactory) GetClient(ctx context.Context, tenantID string) (*xapi.Client, error) {
	if err := f.manager.EnsureFresh(ctx, tenantID); err != nil {
		return nil, err
	}

	// Re-read after the refresh attempt: a revoked grant clears the
	// record and must land here, not at a refresh error.
	record, err := f.manager.Record(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record.AccessToken == "" {
		return nil, fmt.Errorf("%w: tenant %q has no valid token, visit /authorize to connect the account", oauth.ErrNotAuthorized, tenantID)
	}

	return xapi.NewClient(f.apiCfg, record.AccessToken, f.logger), nil
}
