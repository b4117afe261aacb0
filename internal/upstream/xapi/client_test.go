package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL}, "test-access-token", zap.NewNop())
}

func TestMe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/me", r.URL.Path)
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"id":"42","name":"Test User","username":"testuser"}}`)
	})

	user, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", user.ID)
	assert.Equal(t, "testuser", user.Username)
}

func TestPostTweet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tweets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "hello world", payload["text"])
		assert.NotContains(t, payload, "reply")

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"100","text":"hello world"}}`)
	})

	tweet, err := client.PostTweet(context.Background(), "hello world", "")
	require.NoError(t, err)
	assert.Equal(t, "100", tweet.ID)
}

func TestPostTweetReply(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Reply struct {
				InReplyTo string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "99", payload.Reply.InReplyTo)
		fmt.Fprint(w, `{"data":{"id":"101","text":"re"}}`)
	})

	_, err := client.PostTweet(context.Background(), "re", "99")
	require.NoError(t, err)
}

func TestDeleteTweet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/tweets/100", r.URL.Path)
		fmt.Fprint(w, `{"data":{"deleted":true}}`)
	})
	require.NoError(t, client.DeleteTweet(context.Background(), "100"))
}

func TestDeleteTweetNotDeleted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"deleted":false}}`)
	})
	err := client.DeleteTweet(context.Background(), "100")
	require.Error(t, err)
}

func TestSearchRecent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tweets/search/recent", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "from:golang", q.Get("query"))
		assert.Equal(t, "25", q.Get("max_results"))
		fmt.Fprint(w, `{"data":[{"id":"1","text":"a"},{"id":"2","text":"b"}]}`)
	})

	tweets, err := client.SearchRecent(context.Background(), "from:golang", 25)
	require.NoError(t, err)
	assert.Len(t, tweets, 2)
}

func TestBookmarkLifecyclePaths(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"data":{"bookmarked":true}}`)
	})

	ctx := context.Background()
	require.NoError(t, client.AddBookmark(ctx, "42", "100"))
	require.NoError(t, client.RemoveBookmark(ctx, "42", "100"))
	require.NoError(t, client.Like(ctx, "42", "100"))
	require.NoError(t, client.Unlike(ctx, "42", "100"))
	require.NoError(t, client.Retweet(ctx, "42", "100"))
	require.NoError(t, client.Unretweet(ctx, "42", "100"))

	assert.Equal(t, []string{
		"POST /users/42/bookmarks",
		"DELETE /users/42/bookmarks/100",
		"POST /users/42/likes",
		"DELETE /users/42/likes/100",
		"POST /users/42/retweets",
		"DELETE /users/42/retweets/100",
	}, paths)
}

func TestAPIErrorParsing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"title":"Forbidden","detail":"tweet.write scope missing"}`)
	})

	_, err := client.PostTweet(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, IsForbidden(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Forbidden", apiErr.Title)
	assert.Contains(t, apiErr.Detail, "scope")
}

func TestRateLimitReset(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Unix()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-rate-limit-reset", fmt.Sprintf("%d", reset))
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"title":"Too Many Requests"}`)
	})

	_, err := client.Me(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, time.Unix(reset, 0), apiErr.RateLimitReset)
}

func TestUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"title":"Unauthorized"}`)
	})

	_, err := client.Me(context.Background())
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsRateLimited(err))
}

func TestNoRetryOnError(t *testing.T) {
	requests := 0
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"title":"Internal Server Error"}`)
	})

	_, err := client.Me(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, requests, "retry policy belongs to the caller")
}
