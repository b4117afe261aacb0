package tokenstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

func TestRemoteSavePatchesConfigVar(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotPayload map[string]*string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewRemoteBackend(srv.URL, "app-1", "platform-token", zap.NewNop())
	err := b.Save(context.Background(), "alice", &storage.TokenRecord{AccessToken: "acc", RefreshToken: "ref"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/apps/app-1/config-vars", gotPath)
	assert.Equal(t, "Bearer platform-token", gotAuth)

	require.Contains(t, gotPayload, "XMCP_TOKEN_ALICE")
	require.NotNil(t, gotPayload["XMCP_TOKEN_ALICE"])
	var rec storage.TokenRecord
	require.NoError(t, json.Unmarshal([]byte(*gotPayload["XMCP_TOKEN_ALICE"]), &rec))
	assert.Equal(t, "acc", rec.AccessToken)
}

func TestRemoteClearSetsVarToNull(t *testing.T) {
	var gotPayload map[string]*string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewRemoteBackend(srv.URL, "app-1", "tok", zap.NewNop())
	require.NoError(t, b.Clear(context.Background(), "default"))

	require.Contains(t, gotPayload, "XMCP_TOKEN")
	assert.Nil(t, gotPayload["XMCP_TOKEN"])
}

func TestRemoteSaveErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewRemoteBackend(srv.URL, "app-1", "bad-token", zap.NewNop())
	err := b.Save(context.Background(), "default", &storage.TokenRecord{AccessToken: "acc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRemoteLoadIsAlwaysEmpty(t *testing.T) {
	b := NewRemoteBackend("http://unused", "app", "tok", zap.NewNop())
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
