// Package xapi is a thin client for the social platform's v2 REST API.
// It does exactly one HTTP request per call: retry and backoff policy
// belong to the caller, which sees rate limit errors with their reset
// time attached.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL   string
	RateLimit float64 // requests per second, 0 disables local limiting
	RateBurst int
	Timeout   time.Duration
}

// Client calls the upstream API on behalf of one tenant with one
// access token. Clients are cheap and built per call; they hold no
// state beyond configuration, so a stale token can never be trapped
// inside one.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewClient creates an API client bound to an access token.
func NewClient(cfg ClientConfig, accessToken string, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		logger:      logger.Named("xapi"),
	}
}

type apiProblem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// do performs one authenticated request and decodes the JSON response
// into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var problem apiProblem
	if json.Unmarshal(data, &problem) == nil && problem.Title != "" {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
	}

	if reset := resp.Header.Get("x-rate-limit-reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			apiErr.RateLimitReset = time.Unix(epoch, 0)
		}
	}
	return apiErr
}

// User is the authenticated account's profile.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Tweet is a single post as returned by the API.
type Tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Me returns the profile of the account the access token belongs to.
// It is also the canonical token validity probe.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp struct {
		Data User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// PostTweet publishes a new post, optionally as a reply.
func (c *Client) PostTweet(ctx context.Context, text, inReplyTo string) (*Tweet, error) {
	body := map[string]any{"text": text}
	if inReplyTo != "" {
		body["reply"] = map[string]string{"in_reply_to_tweet_id": inReplyTo}
	}
	var resp struct {
		Data Tweet `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/tweets", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// DeleteTweet removes a post owned by the authenticated account.
func (c *Client) DeleteTweet(ctx context.Context, tweetID string) error {
	var resp struct {
		Data struct {
			Deleted bool `json:"deleted"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodDelete, "/tweets/"+url.PathEscape(tweetID), nil, nil, &resp); err != nil {
		return err
	}
	if !resp.Data.Deleted {
		return fmt.Errorf("tweet %s was not deleted", tweetID)
	}
	return nil
}

// SearchRecent searches posts from the last seven days.
func (c *Client) SearchRecent(ctx context.Context, query string, maxResults int) ([]Tweet, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("tweet.fields", "author_id,created_at")
	if maxResults > 0 {
		q.Set("max_results", strconv.Itoa(maxResults))
	}
	var resp struct {
		Data []Tweet `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/tweets/search/recent", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Bookmarks lists the user's bookmarked posts.
func (c *Client) Bookmarks(ctx context.Context, userID string, maxResults int) ([]Tweet, error) {
	q := url.Values{}
	q.Set("tweet.fields", "author_id,created_at")
	if maxResults > 0 {
		q.Set("max_results", strconv.Itoa(maxResults))
	}
	var resp struct {
		Data []Tweet `json:"data"`
	}
	path := "/users/" + url.PathEscape(userID) + "/bookmarks"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// AddBookmark bookmarks a post for the user.
func (c *Client) AddBookmark(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/bookmarks"
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"tweet_id": tweetID}, nil)
}

// RemoveBookmark drops a post from the user's bookmarks.
func (c *Client) RemoveBookmark(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/bookmarks/" + url.PathEscape(tweetID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Like marks a post as liked by the user.
func (c *Client) Like(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/likes"
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"tweet_id": tweetID}, nil)
}

// Unlike removes the user's like from a post.
func (c *Client) Unlike(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/likes/" + url.PathEscape(tweetID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Retweet reposts a post as the user.
func (c *Client) Retweet(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/retweets"
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"tweet_id": tweetID}, nil)
}

// Unretweet undoes the user's repost of a post.
func (c *Client) Unretweet(ctx context.Context, userID, tweetID string) error {
	path := "/users/" + url.PathEscape(userID) + "/retweets/" + url.PathEscape(tweetID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
