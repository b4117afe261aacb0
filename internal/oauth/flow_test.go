package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/config"
	"github.com/xmcp-labs/xmcp-go/internal/storage"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/tokenstore"
)

type flowFixture struct {
	flow      *FlowController
	manager   *Manager
	db        *storage.BoltDB
	exchanges atomic.Int64
}

// newFlowFixture wires a flow controller against a fake code-exchange
// endpoint that verifies the PKCE verifier is presented.
func newFlowFixture(t *testing.T, ttl time.Duration) *flowFixture {
	t.Helper()
	f := &flowFixture{}

	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.NotEmpty(t, r.FormValue("code_verifier"), "the exchange must carry the PKCE verifier")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"exchanged-acc","token_type":"Bearer","refresh_token":"exchanged-ref","expires_in":7200}`)
	}))
	t.Cleanup(exchange.Close)

	cfg := config.DefaultConfig()
	cfg.BaseURL = "https://xmcp.example.com"
	cfg.OAuth.ClientID = "client-id"
	cfg.OAuth.ClientSecret = "client-secret"

	db, err := storage.NewBoltDB(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := tokenstore.New(zap.NewNop(), tokenstore.NewBoltBackend(db))
	resolver := tenant.NewResolver(nil, cfg)
	f.manager = NewManager(store, resolver, ManagerConfig{TokenURL: exchange.URL}, zap.NewNop())
	f.flow = NewFlowController(resolver, f.manager, db, FlowControllerConfig{
		AuthURL:  "https://x.example.com/i/oauth2/authorize",
		TokenURL: exchange.URL,
		FlowTTL:  ttl,
	}, zap.NewNop())
	f.db = db
	return f
}

// stateFrom extracts the state parameter from an authorization URL.
func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestBeginAuthorizationURL(t *testing.T) {
	f := newFlowFixture(t, 0)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "x.example.com", u.Host)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Contains(t, q.Get("scope"), "offline.access")
	assert.Equal(t, "https://xmcp.example.com/callback", q.Get("redirect_uri"))
}

func TestEachFlowGetsUniqueState(t *testing.T) {
	f := newFlowFixture(t, 0)

	url1, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)
	url2, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)

	assert.NotEqual(t, stateFrom(t, url1), stateFrom(t, url2))
}

func TestCompleteAuthorizationStoresToken(t *testing.T) {
	f := newFlowFixture(t, 0)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)

	rec, tenantID, err := f.flow.CompleteAuthorization(context.Background(), "auth-code", stateFrom(t, authURL))
	require.NoError(t, err)
	assert.Equal(t, "default", tenantID)
	assert.Equal(t, "exchanged-acc", rec.AccessToken)
	assert.Equal(t, "exchanged-ref", rec.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), rec.ExpiresAt, time.Minute)

	// The record must be live in the manager immediately.
	got, err := f.manager.Record(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-acc", got.AccessToken)
}

func TestStateIsSingleUse(t *testing.T) {
	f := newFlowFixture(t, 0)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)
	state := stateFrom(t, authURL)

	_, _, err = f.flow.CompleteAuthorization(context.Background(), "auth-code", state)
	require.NoError(t, err)

	// Replaying the same state must fail without a second exchange.
	_, _, err = f.flow.CompleteAuthorization(context.Background(), "auth-code", state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(1), f.exchanges.Load())
}

func TestUnknownStateRejected(t *testing.T) {
	f := newFlowFixture(t, 0)

	_, _, err := f.flow.CompleteAuthorization(context.Background(), "auth-code", "forged-state")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(0), f.exchanges.Load())
}

func TestExpiredFlowRejectedBeforeExchange(t *testing.T) {
	f := newFlowFixture(t, time.Millisecond)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)
	state := stateFrom(t, authURL)

	time.Sleep(10 * time.Millisecond)

	_, _, err = f.flow.CompleteAuthorization(context.Background(), "auth-code", state)
	assert.ErrorIs(t, err, ErrExpiredFlow)
	assert.Equal(t, int64(0), f.exchanges.Load(), "a dead flow must never reach the token endpoint")
}

func TestPendingFlowSurvivesControllerRestart(t *testing.T) {
	f := newFlowFixture(t, 0)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)

	// A second controller over the same database stands in for a
	// process restart between redirect and callback.
	restarted := NewFlowController(f.flow.resolver, f.manager, f.db, FlowControllerConfig{
		AuthURL:  f.flow.authURL,
		TokenURL: f.flow.tokenURL,
	}, zap.NewNop())

	rec, _, err := restarted.CompleteAuthorization(context.Background(), "auth-code", stateFrom(t, authURL))
	require.NoError(t, err)
	assert.Equal(t, "exchanged-acc", rec.AccessToken)
}

func TestPurgeExpiredDropsStaleFlows(t *testing.T) {
	f := newFlowFixture(t, time.Millisecond)

	authURL, err := f.flow.BeginAuthorization(context.Background(), "default")
	require.NoError(t, err)
	state := stateFrom(t, authURL)

	time.Sleep(10 * time.Millisecond)
	f.flow.PurgeExpired()

	_, _, err = f.flow.CompleteAuthorization(context.Background(), "auth-code", state)
	assert.ErrorIs(t, err, ErrInvalidState)
}
