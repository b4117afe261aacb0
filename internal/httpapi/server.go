// Package httpapi is the plain-HTTP surface: authorization entry and
// callback, tenant management, health, and the mounted MCP transport.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/oauth"
	"github.com/xmcp-labs/xmcp-go/internal/server"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/upstream/xapi"
)

// Server is the HTTP front end.
type Server struct {
	registry    *tenant.Registry // nil in single-tenant mode
	flow        *oauth.FlowController
	manager     *oauth.Manager
	factory     *server.ClientFactory
	mcp         *server.MCPServer
	multiTenant bool
	logger      *zap.Logger

	// API keys minted at registration, surfaced exactly once on the
	// success page of the tenant's first completed authorization.
	keysMu      sync.Mutex
	pendingKeys map[string]string

	httpServer *http.Server
}

// Config carries the wiring for the HTTP server.
type Config struct {
	Listen      string
	MultiTenant bool
}

// NewServer builds the router and handlers.
func NewServer(cfg Config, registry *tenant.Registry, flow *oauth.FlowController, manager *oauth.Manager, factory *server.ClientFactory, mcp *server.MCPServer, logger *zap.Logger) *Server {
	s := &Server{
		registry:    registry,
		flow:        flow,
		manager:     manager,
		factory:     factory,
		mcp:         mcp,
		multiTenant: cfg.MultiTenant,
		logger:      logger.Named("httpapi"),
		pendingKeys: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/authorize", s.handleAuthorize)
	r.Get("/callback", s.handleCallback)
	r.Get("/health", s.handleHealth)
	r.Get("/validate-token", s.handleValidateToken)

	if cfg.MultiTenant {
		r.Post("/tenants", s.handleRegisterTenant)
		r.Post("/tenants/{tenantID}/rotate-key", s.handleRotateKey)
		r.Delete("/tenants/{tenantID}", s.handleDeleteTenant)
	}

	// The MCP context func can enrich a request but not reject one, so
	// multi-tenant API-key enforcement has to happen out here: no valid
	// key, no session.
	mcpHandler := mcp.HTTPHandler()
	if cfg.MultiTenant {
		mcpHandler = s.requireAPIKey(mcpHandler)
	}
	r.Mount("/mcp", mcpHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// requireAPIKey rejects requests that do not present a registered API
// key. Mounted in front of the MCP transport in multi-tenant mode so an
// unauthenticated client is turned away before any session exists.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("apiKey")
		}
		if apiKey == "" {
			s.writeError(w, http.StatusUnauthorized, "missing API key: pass it in the X-API-Key header")
			return
		}
		if _, err := s.registry.GetByAPIKey(apiKey); err != nil {
			s.logger.Warn("rejected MCP request with unrecognized API key",
				zap.String("key", oauth.MaskSecret(apiKey)),
				zap.String("remote", r.RemoteAddr))
			s.writeError(w, http.StatusUnauthorized, "unrecognized API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveTenantParam maps the request's apiKey or userId parameter to a
// tenant id. Single-tenant mode always resolves to the default tenant.
func (s *Server) resolveTenantParam(r *http.Request) (string, error) {
	if !s.multiTenant || s.registry == nil {
		return tenant.DefaultTenantID, nil
	}

	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	if apiKey != "" {
		rec, err := s.registry.GetByAPIKey(apiKey)
		if err != nil {
			return "", err
		}
		return rec.UserID, nil
	}

	if userID := r.URL.Query().Get("userId"); userID != "" {
		if _, err := s.registry.Get(userID); err != nil {
			return "", err
		}
		return userID, nil
	}
	return "", errors.New("pass apiKey or userId to identify the tenant")
}

// handleAuthorize starts the authorization flow and redirects the
// browser to the upstream consent page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenantParam(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	url, err := s.flow.BeginAuthorization(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("failed to start authorization",
			zap.String("tenant", tenantID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCallback finishes the flow. Upstream denials and local state
// errors both land on the error page; only a completed exchange stores
// a token.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		s.renderError(w, http.StatusBadRequest, fmt.Sprintf(
			"The authorization was denied upstream (%s).", upstreamErr))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		s.renderError(w, http.StatusBadRequest, "Missing code or state parameter.")
		return
	}

	_, tenantID, err := s.flow.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			s.renderError(w, http.StatusBadRequest, "Unknown or already-used authorization state.")
		case errors.Is(err, oauth.ErrExpiredFlow):
			s.renderError(w, http.StatusBadRequest, "The authorization took too long and expired.")
		default:
			s.logger.Error("authorization callback failed",
				zap.String("tenant", tenantID), zap.Error(err))
			s.renderError(w, http.StatusBadGateway, "The token exchange with the upstream API failed.")
		}
		return
	}

	page := successPage{TenantName: s.tenantName(tenantID), APIKey: s.takePendingKey(tenantID)}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successTemplate.Execute(w, page); err != nil {
		s.logger.Warn("failed to render success page", zap.Error(err))
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, errorPage{Message: msg}); err != nil {
		s.logger.Warn("failed to render error page", zap.Error(err))
	}
}

func (s *Server) tenantName(tenantID string) string {
	if s.registry != nil {
		if rec, err := s.registry.Get(tenantID); err == nil && rec.Name != "" {
			return rec.Name
		}
	}
	return tenantID
}

// takePendingKey consumes the one-time API key display for a tenant.
func (s *Server) takePendingKey(tenantID string) string {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	key, ok := s.pendingKeys[tenantID]
	if ok {
		delete(s.pendingKeys, tenantID)
	}
	return key
}

type registerRequest struct {
	Name         string `json:"name"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

// handleRegisterTenant creates a tenant. The response carries the
// authorization URL to visit; the API key is revealed on the success
// page once the account is actually connected.
func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.ClientID == "" || req.ClientSecret == "" {
		s.writeError(w, http.StatusBadRequest, "name, clientId and clientSecret are required")
		return
	}

	rec, err := s.registry.Register(req.Name, req.ClientID, req.ClientSecret, req.CallbackURL)
	if err != nil {
		s.logger.Error("tenant registration failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to register tenant")
		return
	}

	s.keysMu.Lock()
	s.pendingKeys[rec.UserID] = rec.APIKey
	s.keysMu.Unlock()

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"userId":       rec.UserID,
		"name":         rec.Name,
		"authorizeUrl": "/authorize?userId=" + rec.UserID,
	})
}

// handleRotateKey replaces a tenant's API key. The new key is in the
// response; live sessions are revoked so the old key stops working at
// the next call.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	newKey, err := s.registry.RotateAPIKey(tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			s.writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		s.logger.Error("key rotation failed",
			zap.String("tenant", tenantID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	revoked := s.mcp.Sessions().RevokeTenant(tenantID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"userId":          tenantID,
		"apiKey":          newKey,
		"revokedSessions": revoked,
	})
}

// handleDeleteTenant removes a tenant, its sessions and its token
// record.
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := s.registry.Delete(tenantID); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			s.writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		s.logger.Error("tenant deletion failed",
			zap.String("tenant", tenantID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete tenant")
		return
	}

	s.mcp.Sessions().RevokeTenant(tenantID)
	if err := s.manager.Clear(r.Context(), tenantID); err != nil {
		s.logger.Warn("failed to clear deleted tenant's token",
			zap.String("tenant", tenantID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

type tenantHealth struct {
	Authenticated bool   `json:"authenticated"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	Fresh         bool   `json:"fresh"`
}

// handleHealth reports the token state for the caller's tenant without
// touching the upstream API.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenantParam(r)
	if err != nil {
		// Health without identification still answers; it just can't
		// say anything tenant-specific.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	record, err := s.manager.Record(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load token state")
		return
	}

	health := tenantHealth{
		Authenticated: record.AccessToken != "",
		Fresh:         s.manager.Fresh(record),
	}
	if !record.ExpiresAt.IsZero() {
		health.ExpiresAt = record.ExpiresAt.Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "token": health})
}

// handleValidateToken proves the token works with a live profile call.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenantParam(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	client, err := s.factory.GetClient(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotAuthorized) {
			s.writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	user, err := client.Me(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if xapi.IsUnauthorized(err) {
			s.writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": "upstream rejected the token"})
			return
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  user,
	})
}
