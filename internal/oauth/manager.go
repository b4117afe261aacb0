package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/tokenstore"
)

// DefaultRefreshSkew is the look-ahead window: a token expiring inside
// it is treated as already stale so callers never receive a token about
// to die mid-request.
const DefaultRefreshSkew = 5 * time.Minute

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	TokenURL    string
	RefreshSkew time.Duration
	HTTPClient  *http.Client // optional, for tests
}

// Manager owns the per-tenant token cache and the refresh state
// machine. All reads and writes of token records go through it; refresh
// attempts are serialized per tenant so two concurrent stale detections
// cannot race the same refresh token.
type Manager struct {
	store    *tokenstore.Store
	resolver *tenant.Resolver

	tokenURL   string
	skew       time.Duration
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*storage.TokenRecord

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	logger *zap.Logger
}

// NewManager creates a token lifecycle manager.
func NewManager(store *tokenstore.Store, resolver *tenant.Resolver, cfg ManagerConfig, logger *zap.Logger) *Manager {
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &Manager{
		store:      store,
		resolver:   resolver,
		tokenURL:   cfg.TokenURL,
		skew:       skew,
		httpClient: cfg.HTTPClient,
		cache:      make(map[string]*storage.TokenRecord),
		locks:      make(map[string]*sync.Mutex),
		logger:     logger.Named("token-manager"),
	}
}

// tenantLock returns the per-tenant mutex, creating it on first use.
func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, ok := m.locks[tenantID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[tenantID] = lock
	return lock
}

// Record returns the tenant's current token record, loading it through
// the store on first use. The returned record is a copy; mutations go
// through Put.
func (m *Manager) Record(ctx context.Context, tenantID string) (*storage.TokenRecord, error) {
	m.mu.RLock()
	rec, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if ok {
		copied := *rec
		return &copied, nil
	}

	loaded, err := m.store.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token record: %w", err)
	}

	m.mu.Lock()
	// Another goroutine may have populated the cache meanwhile; the
	// cached value is at least as new.
	if existing, ok := m.cache[tenantID]; ok {
		loaded = existing
	} else {
		m.cache[tenantID] = loaded
	}
	m.mu.Unlock()

	copied := *loaded
	return &copied, nil
}

// Put replaces the tenant's record wholesale in cache and persistence.
// This is the flow controller's write path after an initial exchange. A
// persistence failure is reported but the in-memory copy stays valid.
func (m *Manager) Put(ctx context.Context, tenantID string, record *storage.TokenRecord) error {
	copied := *record
	m.mu.Lock()
	m.cache[tenantID] = &copied
	m.mu.Unlock()

	if err := m.store.Save(ctx, tenantID, record); err != nil {
		return err
	}
	return nil
}

// Clear empties the tenant's record in cache and every persistence
// backend, forcing re-authorization.
func (m *Manager) Clear(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	m.cache[tenantID] = &storage.TokenRecord{}
	m.mu.Unlock()

	return m.store.Clear(ctx, tenantID)
}

// Fresh reports whether the record is usable without renewal.
func (m *Manager) Fresh(record *storage.TokenRecord) bool {
	if record.Empty() {
		return false
	}
	if record.ExpiresAt.IsZero() {
		return false
	}
	return record.ExpiresAt.After(time.Now().Add(m.skew))
}

// EnsureFresh runs the refresh state machine for one tenant:
//
//   - no refresh token: no-op, the caller fails at its own
//     no-access-token check
//   - fresh (expiry beyond now+skew): no-op
//   - stale: exchange the refresh token, swap the record wholesale and
//     persist it
//
// Refreshes are serialized per tenant. A revoked grant clears the
// record everywhere and returns nil so the caller surfaces
// ErrNotAuthorized with re-authorization instructions instead of a
// refresh error.
func (m *Manager) EnsureFresh(ctx context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.Record(ctx, tenantID)
	if err != nil {
		return err
	}

	// A concurrent caller holding the lock before us may have already
	// refreshed; this re-check is what makes redundant calls cheap.
	if m.Fresh(record) {
		return nil
	}
	if record.RefreshToken == "" {
		return nil
	}

	creds, err := m.resolver.Resolve(tenantID)
	if err != nil {
		return err
	}

	m.logger.Info("refreshing access token",
		zap.String("tenant", tenantID),
		zap.Time("expired_at", record.ExpiresAt))

	newToken, err := m.exchangeRefreshToken(ctx, creds, record.RefreshToken)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && grantRejected(retrieveErr) {
			// The grant itself was rejected (revoked or expired refresh
			// token). Quarantine: wipe local state so the tenant is
			// cleanly routed to re-authorization.
			m.logger.Warn("refresh token rejected, clearing token record",
				zap.String("tenant", tenantID),
				zap.String("oauth_error", retrieveErr.ErrorCode))
			if clearErr := m.Clear(ctx, tenantID); clearErr != nil {
				m.logger.Error("failed to clear rejected token record",
					zap.String("tenant", tenantID), zap.Error(clearErr))
			}
			return nil
		}
		// Anything else (5xx, network trouble) is transient: the record
		// stays so the next call can retry the refresh.
		return fmt.Errorf("%w for tenant %s: %v", ErrRefreshFailed, tenantID, err)
	}

	updated := &storage.TokenRecord{
		AccessToken:  newToken.AccessToken,
		RefreshToken: newToken.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    newToken.Expiry,
	}
	// The upstream does not always rotate the refresh token; keep the
	// prior one when none came back.
	if updated.RefreshToken == "" {
		updated.RefreshToken = record.RefreshToken
	}

	if err := m.Put(ctx, tenantID, updated); err != nil {
		// Freshness was achieved; persistence is degraded but the
		// in-memory record is authoritative for this process.
		m.logger.Warn("refreshed token not fully persisted",
			zap.String("tenant", tenantID), zap.Error(err))
	}

	m.logger.Info("access token refreshed",
		zap.String("tenant", tenantID),
		zap.Time("expires_at", updated.ExpiresAt))
	return nil
}

// exchangeRefreshToken performs the refresh grant against the token
// endpoint using the tenant's client credentials.
func (m *Manager) exchangeRefreshToken(ctx context.Context, creds tenant.Credentials, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

// grantRejected reports whether the token endpoint rejected the grant
// itself, as opposed to failing transiently. The oauth2 package returns
// a RetrieveError for every non-2xx response, so the error code and
// status have to be inspected: only a definitive rejection may destroy
// the stored refresh token.
func grantRejected(err *oauth2.RetrieveError) bool {
	if err.ErrorCode == "invalid_grant" {
		return true
	}
	if err.Response == nil {
		return false
	}
	switch err.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return true
	}
	return false
}
