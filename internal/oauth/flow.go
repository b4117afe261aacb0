package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
)

// Scopes is the permission set requested on every authorization.
// offline.access is what makes the upstream return a refresh token.
var Scopes = []string{
	"tweet.read",
	"tweet.write",
	"users.read",
	"bookmark.read",
	"bookmark.write",
	"like.read",
	"like.write",
	"offline.access",
}

// DefaultFlowTTL bounds how long a pending authorization may sit
// between the redirect and the callback.
const DefaultFlowTTL = 10 * time.Minute

// FlowControllerConfig configures a FlowController.
type FlowControllerConfig struct {
	AuthURL  string
	TokenURL string
	FlowTTL  time.Duration
}

// FlowController drives the PKCE authorization-code flow: it mints the
// state/verifier pair, parks it as a pending flow, and finishes the
// exchange when the callback arrives. Pending flows live in bbolt so a
// restart mid-flow survives; an in-memory map backstops a failing
// database.
type FlowController struct {
	resolver *tenant.Resolver
	manager  *Manager
	db       *storage.BoltDB

	authURL  string
	tokenURL string
	flowTTL  time.Duration

	memMu sync.Mutex
	mem   map[string]*storage.PendingFlowRecord

	logger *zap.Logger
}

// NewFlowController creates the authorization flow controller.
func NewFlowController(resolver *tenant.Resolver, manager *Manager, db *storage.BoltDB, cfg FlowControllerConfig, logger *zap.Logger) *FlowController {
	ttl := cfg.FlowTTL
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &FlowController{
		resolver: resolver,
		manager:  manager,
		db:       db,
		authURL:  cfg.AuthURL,
		tokenURL: cfg.TokenURL,
		flowTTL:  ttl,
		mem:      make(map[string]*storage.PendingFlowRecord),
		logger:   logger.Named("oauth-flow"),
	}
}

// oauthConfig builds the oauth2 config for one tenant's credentials.
func (f *FlowController) oauthConfig(creds tenant.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.CallbackURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.authURL,
			TokenURL:  f.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// BeginAuthorization mints a fresh state/verifier pair, stores the
// pending flow, and returns the authorization URL to redirect the user
// to.
func (f *FlowController) BeginAuthorization(ctx context.Context, tenantID string) (string, error) {
	creds, err := f.resolver.Resolve(tenantID)
	if err != nil {
		return "", err
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	flow := &storage.PendingFlowRecord{
		State:     state,
		Verifier:  verifier,
		TenantID:  tenantID,
		CreatedAt: time.Now(),
	}
	if err := f.db.PutPendingFlow(flow); err != nil {
		f.logger.Warn("pending flow not persisted, keeping in memory",
			zap.String("tenant", tenantID), zap.Error(err))
		f.memMu.Lock()
		f.mem[state] = flow
		f.memMu.Unlock()
	}

	cfg := f.oauthConfig(creds)
	url := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	f.logger.Info("authorization started",
		zap.String("tenant", tenantID),
		zap.String("client_id", MaskSecret(creds.ClientID)))
	return url, nil
}

// takeFlow consumes the pending flow for a state value. The database
// delete happens inside the same transaction as the read, so a state
// can only ever be taken once there; the memory fallback deletes under
// its lock for the same guarantee.
func (f *FlowController) takeFlow(state string) (*storage.PendingFlowRecord, bool) {
	flow, err := f.db.TakePendingFlow(state)
	if err == nil {
		return flow, true
	}
	if !errors.Is(err, storage.ErrFlowNotFound) {
		f.logger.Warn("pending flow lookup failed", zap.Error(err))
	}

	f.memMu.Lock()
	defer f.memMu.Unlock()
	flow, ok := f.mem[state]
	if ok {
		delete(f.mem, state)
	}
	return flow, ok
}

// CompleteAuthorization handles the callback leg: it validates and
// consumes the state, exchanges the code with the stored verifier, and
// installs the resulting token record. It returns the record and the
// tenant it belongs to.
func (f *FlowController) CompleteAuthorization(ctx context.Context, code, state string) (*storage.TokenRecord, string, error) {
	flow, ok := f.takeFlow(state)
	if !ok {
		return nil, "", ErrInvalidState
	}

	// Expiry is checked before any network call; a dead flow never
	// reaches the token endpoint.
	if time.Since(flow.CreatedAt) > f.flowTTL {
		f.logger.Warn("authorization flow expired",
			zap.String("tenant", flow.TenantID),
			zap.Duration("age", time.Since(flow.CreatedAt)))
		return nil, flow.TenantID, ErrExpiredFlow
	}

	creds, err := f.resolver.Resolve(flow.TenantID)
	if err != nil {
		return nil, flow.TenantID, err
	}

	cfg := f.oauthConfig(creds)
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		// Exchange failures here are usually a client-side mismatch
		// (wrong callback URL or client credentials), worth telling
		// the operator apart from upstream flakiness.
		return nil, flow.TenantID, fmt.Errorf("code exchange failed for tenant %s (check client credentials and callback URL): %w", flow.TenantID, err)
	}

	record := &storage.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    token.Expiry,
	}
	if err := f.manager.Put(ctx, flow.TenantID, record); err != nil {
		f.logger.Warn("authorized token not fully persisted",
			zap.String("tenant", flow.TenantID), zap.Error(err))
	}

	f.logger.Info("authorization completed",
		zap.String("tenant", flow.TenantID),
		zap.Bool("has_refresh_token", record.RefreshToken != ""),
		zap.Time("expires_at", record.ExpiresAt))
	return record, flow.TenantID, nil
}

// PurgeExpired drops pending flows older than the TTL from both the
// database and the memory fallback.
func (f *FlowController) PurgeExpired() {
	if n, err := f.db.PurgeExpiredFlows(f.flowTTL); err != nil {
		f.logger.Warn("pending flow purge failed", zap.Error(err))
	} else if n > 0 {
		f.logger.Debug("purged expired pending flows", zap.Int("count", n))
	}

	f.memMu.Lock()
	for state, flow := range f.mem {
		if time.Since(flow.CreatedAt) > f.flowTTL {
			delete(f.mem, state)
		}
	}
	f.memMu.Unlock()
}
