// Package server exposes the social platform tools over the MCP
// protocol. It authenticates API keys before the protocol layer sees a
// request, binds each MCP session to exactly one tenant, and routes
// every tool call through the token lifecycle manager so handlers only
// ever see fresh credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/oauth"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/upstream/xapi"
)

const serverVersion = "1.0.0"

type contextKey string

// tenantContextKey carries the tenant authenticated by the HTTP layer
// into the MCP handlers.
const tenantContextKey contextKey = "xmcp-tenant"

// MCPServer is the tool-calling front end. One instance serves all
// tenants; per-call tenant recovery keeps their state apart.
type MCPServer struct {
	server      *mcpserver.MCPServer
	registry    *tenant.Registry // nil in single-tenant mode
	factory     *ClientFactory
	sessions    *SessionStore
	multiTenant bool
	logger      *zap.Logger
}

// NewMCPServer creates the MCP server and registers all tools.
func NewMCPServer(registry *tenant.Registry, factory *ClientFactory, multiTenant bool, logger *zap.Logger) *MCPServer {
	sessions := NewSessionStore(logger)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, sess mcpserver.ClientSession) {
		sessionID := sess.SessionID()
		tenantID, ok := ctx.Value(tenantContextKey).(string)
		if !ok {
			if multiTenant {
				// The HTTP layer rejects unauthenticated requests before
				// they reach the transport; a session that still arrives
				// without a tenant stays unbound and every tool call on
				// it fails at tenant recovery.
				logger.Warn("session without authenticated tenant left unbound",
					zap.String("session_id", sessionID))
				return
			}
			tenantID = tenant.DefaultTenantID
		}
		sessions.Bind(sessionID, tenantID)
		logger.Info("MCP session registered",
			zap.String("session_id", sessionID),
			zap.String("tenant", tenantID))
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		sessions.Remove(sess.SessionID())
	})

	srv := mcpserver.NewMCPServer(
		"xmcp",
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	m := &MCPServer{
		server:      srv,
		registry:    registry,
		factory:     factory,
		sessions:    sessions,
		multiTenant: multiTenant,
		logger:      logger.Named("mcp"),
	}
	m.registerTools()
	return m
}

// Sessions exposes the session store for the HTTP layer (rotation and
// tenant deletion revoke live sessions through it).
func (m *MCPServer) Sessions() *SessionStore {
	return m.sessions
}

// httpContext maps the request's API key onto a tenant before mcp-go
// sees it. The HTTP layer in front of the transport already rejected
// requests without a valid key in multi-tenant mode; if one slips
// through anyway the context stays untouched and the session is never
// bound to a tenant.
func (m *MCPServer) httpContext(ctx context.Context, r *http.Request) context.Context {
	if !m.multiTenant || m.registry == nil {
		return context.WithValue(ctx, tenantContextKey, tenant.DefaultTenantID)
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("apiKey")
	}
	if apiKey == "" {
		return ctx
	}

	rec, err := m.registry.GetByAPIKey(apiKey)
	if err != nil {
		m.logger.Warn("request with unrecognized API key",
			zap.String("key", oauth.MaskSecret(apiKey)),
			zap.String("remote", r.RemoteAddr))
		return ctx
	}
	return context.WithValue(ctx, tenantContextKey, rec.UserID)
}

// HTTPHandler returns the streamable HTTP transport for mounting into
// the main router.
func (m *MCPServer) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(m.server,
		mcpserver.WithHTTPContextFunc(m.httpContext),
	)
}

// ServeStdio runs the server over stdio. Only valid in single-tenant
// mode; there is no transport to carry an API key on.
func (m *MCPServer) ServeStdio() error {
	if m.multiTenant {
		return errors.New("stdio transport is single-tenant only")
	}
	return mcpserver.ServeStdio(m.server)
}

// tenantFromContext recovers the tenant for the current tool call: the
// value the HTTP layer authenticated, then the session binding, then
// the default tenant when running single-tenant.
func (m *MCPServer) tenantFromContext(ctx context.Context) (string, error) {
	if tenantID, ok := ctx.Value(tenantContextKey).(string); ok {
		return tenantID, nil
	}

	if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
		tenantID, err := m.sessions.Tenant(sess.SessionID())
		if err == nil {
			return tenantID, nil
		}
		if errors.Is(err, ErrSessionRevoked) {
			return "", fmt.Errorf("session access revoked, reconnect with a valid API key")
		}
	}

	if !m.multiTenant {
		return tenant.DefaultTenantID, nil
	}
	return "", errors.New("no authenticated tenant: pass your API key in the X-API-Key header")
}

// client recovers the tenant and builds a fresh upstream client for it.
func (m *MCPServer) client(ctx context.Context) (*xapi.Client, string, error) {
	tenantID, err := m.tenantFromContext(ctx)
	if err != nil {
		return nil, "", err
	}
	c, err := m.factory.GetClient(ctx, tenantID)
	if err != nil {
		return nil, tenantID, err
	}
	return c, tenantID, nil
}

// toolError renders an upstream or lifecycle failure as a tool result.
// Rate limits carry their reset time so callers know when to retry.
func toolError(err error) *mcp.CallToolResult {
	var apiErr *xapi.APIError
	if errors.As(err, &apiErr) && xapi.IsRateLimited(err) && !apiErr.RateLimitReset.IsZero() {
		return mcp.NewToolResultError(fmt.Sprintf(
			"rate limited by upstream API, retry after %s", apiErr.RateLimitReset.Format(time.RFC3339)))
	}
	return mcp.NewToolResultError(err.Error())
}

// jsonResult serializes v as an indented JSON tool result.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (m *MCPServer) registerTools() {
	m.server.AddTool(mcp.NewTool("get_profile",
		mcp.WithDescription("Get the profile (id, name, username) of the connected account. Also useful to verify the account is connected and its token works."),
	), m.handleGetProfile)

	m.server.AddTool(mcp.NewTool("post_tweet",
		mcp.WithDescription("Publish a new post from the connected account. Optionally reply to an existing post."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text of the post (max 280 characters)."),
		),
		mcp.WithString("in_reply_to",
			mcp.Description("ID of the post to reply to (optional)."),
		),
	), m.handlePostTweet)

	m.server.AddTool(mcp.NewTool("delete_tweet",
		mcp.WithDescription("Delete a post owned by the connected account."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the post to delete."),
		),
	), m.handleDeleteTweet)

	m.server.AddTool(mcp.NewTool("search_tweets",
		mcp.WithDescription("Search posts from the last 7 days using the standard search query syntax."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query (e.g. 'from:golang -is:retweet')."),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of posts to return (10-100, default 10)."),
		),
	), m.handleSearchTweets)

	m.server.AddTool(mcp.NewTool("get_bookmarks",
		mcp.WithDescription("List the connected account's bookmarked posts."),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of bookmarks to return (default 10)."),
		),
	), m.handleGetBookmarks)

	m.server.AddTool(mcp.NewTool("add_bookmark",
		mcp.WithDescription("Bookmark a post for the connected account."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the post to bookmark."),
		),
	), m.handleAddBookmark)

	m.server.AddTool(mcp.NewTool("remove_bookmark",
		mcp.WithDescription("Remove a post from the connected account's bookmarks."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the bookmarked post to remove."),
		),
	), m.handleRemoveBookmark)

	m.server.AddTool(mcp.NewTool("like_tweet",
		mcp.WithDescription("Like a post as the connected account."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the post to like."),
		),
	), m.handleLikeTweet)

	m.server.AddTool(mcp.NewTool("unlike_tweet",
		mcp.WithDescription("Remove the connected account's like from a post."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the post to unlike."),
		),
	), m.handleUnlikeTweet)

	m.server.AddTool(mcp.NewTool("retweet",
		mcp.WithDescription("Repost a post as the connected account."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the post to repost."),
		),
	), m.handleRetweet)

	m.server.AddTool(mcp.NewTool("unretweet",
		mcp.WithDescription("Undo the connected account's repost of a post."),
		mcp.WithString("tweet_id",
			mcp.Required(),
			mcp.Description("ID of the reposted post."),
		),
	), m.handleUnretweet)
}

func (m *MCPServer) handleGetProfile(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, _, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	user, err := client.Me(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(user), nil
}

func (m *MCPServer) handlePostTweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inReplyTo := request.GetString("in_reply_to", "")

	client, tenantID, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	tweet, err := client.PostTweet(ctx, text, inReplyTo)
	if err != nil {
		return toolError(err), nil
	}
	m.logger.Info("tweet posted",
		zap.String("tenant", tenantID), zap.String("tweet_id", tweet.ID))
	return jsonResult(tweet), nil
}

func (m *MCPServer) handleDeleteTweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tweetID, err := request.RequireString("tweet_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	client, _, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if err := client.DeleteTweet(ctx, tweetID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Tweet %s deleted", tweetID)), nil
}

func (m *MCPServer) handleSearchTweets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxResults := request.GetInt("max_results", 10)

	client, _, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	tweets, err := client.SearchRecent(ctx, query, maxResults)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"count": len(tweets), "tweets": tweets}), nil
}

func (m *MCPServer) handleGetBookmarks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxResults := request.GetInt("max_results", 10)

	client, _, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	user, err := client.Me(ctx)
	if err != nil {
		return toolError(err), nil
	}
	tweets, err := client.Bookmarks(ctx, user.ID, maxResults)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"count": len(tweets), "bookmarks": tweets}), nil
}

// withUserAction runs a tool that needs the caller's user id: resolve
// client, look up the account, run the action.
func (m *MCPServer) withUserAction(ctx context.Context, request mcp.CallToolRequest, success string, action func(ctx context.Context, client *xapi.Client, userID, tweetID string) error) (*mcp.CallToolResult, error) {
	tweetID, err := request.RequireString("tweet_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	client, _, err := m.client(ctx)
	if err != nil {
		return toolError(err), nil
	}
	user, err := client.Me(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if err := action(ctx, client, user.ID, tweetID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(success, tweetID)), nil
}

func (m *MCPServer) handleAddBookmark(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Tweet %s bookmarked", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.AddBookmark(ctx, userID, tweetID)
	})
}

func (m *MCPServer) handleRemoveBookmark(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Bookmark for tweet %s removed", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.RemoveBookmark(ctx, userID, tweetID)
	})
}

func (m *MCPServer) handleLikeTweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Tweet %s liked", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.Like(ctx, userID, tweetID)
	})
}

func (m *MCPServer) handleUnlikeTweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Like removed from tweet %s", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.Unlike(ctx, userID, tweetID)
	})
}

func (m *MCPServer) handleRetweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Tweet %s retweeted", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.Retweet(ctx, userID, tweetID)
	})
}

func (m *MCPServer) handleUnretweet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.withUserAction(ctx, request, "Retweet of tweet %s removed", func(ctx context.Context, c *xapi.Client, userID, tweetID string) error {
		return c.Unretweet(ctx, userID, tweetID)
	})
}
