package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/config"
	"github.com/xmcp-labs/xmcp-go/internal/oauth"
	"github.com/xmcp-labs/xmcp-go/internal/storage"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/tokenstore"
	"github.com/xmcp-labs/xmcp-go/internal/upstream/xapi"
)

func newTestFactory(t *testing.T, tokenURL, apiURL string) (*ClientFactory, *oauth.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = "https://xmcp.example.com"
	cfg.OAuth.ClientID = "cid"
	cfg.OAuth.ClientSecret = "sec"

	store := tokenstore.New(zap.NewNop(), tokenstore.NewFileBackend(t.TempDir(), zap.NewNop()))
	resolver := tenant.NewResolver(nil, cfg)
	manager := oauth.NewManager(store, resolver, oauth.ManagerConfig{TokenURL: tokenURL}, zap.NewNop())
	factory := NewClientFactory(manager, xapi.ClientConfig{BaseURL: apiURL}, zap.NewNop())
	return factory, manager
}

func TestGetClientWithoutTokenFailsNamedTenant(t *testing.T) {
	factory, _ := newTestFactory(t, "http://unused", "http://unused")

	_, err := factory.GetClient(context.Background(), "alice")
	require.ErrorIs(t, err, oauth.ErrNotAuthorized)
	assert.Contains(t, err.Error(), "alice")
	assert.Contains(t, err.Error(), "/authorize")
}

func TestGetClientWithFreshToken(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer live-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"id":"42","name":"n","username":"u"}}`)
	}))
	defer api.Close()

	factory, manager := newTestFactory(t, "http://unused", api.URL)
	require.NoError(t, manager.Put(context.Background(), "default", &storage.TokenRecord{
		AccessToken: "live-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	client, err := factory.GetClient(context.Background(), "default")
	require.NoError(t, err)

	user, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", user.ID)
}

func TestGetClientRefreshesStaleToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"refreshed-token","token_type":"Bearer","expires_in":7200}`)
	}))
	defer tokenSrv.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"id":"42","name":"n","username":"u"}}`)
	}))
	defer api.Close()

	factory, manager := newTestFactory(t, tokenSrv.URL, api.URL)
	require.NoError(t, manager.Put(context.Background(), "default", &storage.TokenRecord{
		AccessToken:  "stale-token",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	client, err := factory.GetClient(context.Background(), "default")
	require.NoError(t, err)

	_, err = client.Me(context.Background())
	require.NoError(t, err, "the client must carry the refreshed token, not the stale one")
}

func TestGetClientRevokedGrantEndsAtNotAuthorized(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer tokenSrv.Close()

	factory, manager := newTestFactory(t, tokenSrv.URL, "http://unused")
	require.NoError(t, manager.Put(context.Background(), "default", &storage.TokenRecord{
		AccessToken:  "stale-token",
		RefreshToken: "revoked-ref",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := factory.GetClient(context.Background(), "default")
	require.ErrorIs(t, err, oauth.ErrNotAuthorized,
		"a revoked grant must surface as not-authorized, not as a refresh error")
}
