package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Config{
		BaseURL:         srv.URL,
		Token:           "secret-token",
		RetryMaxElapsed: 2 * time.Second,
	}, zap.NewNop())
	return client, srv
}

func TestGetIssue_Success(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/10/issues/42", r.URL.Path)
		assert.Equal(t, "secret-token", r.Header.Get("PRIVATE-TOKEN"))
		json.NewEncoder(w).Encode(Issue{
			IID:       42,
			ProjectID: 10,
			Title:     "Оплата картой",
			Labels:    []string{"qa::ready"},
		})
	})

	issue, err := client.GetIssue(context.Background(), 10, 42)
	require.NoError(t, err)
	assert.Equal(t, "Оплата картой", issue.Title)
	assert.Equal(t, []string{"qa::ready"}, issue.Labels)
}

func TestGetIssue_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Issue{IID: 42})
	})

	issue, err := client.GetIssue(context.Background(), 10, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), issue.IID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetIssue_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetIssue(context.Background(), 10, 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetIssue_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.GetIssue(context.Background(), 10, 42)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetIssue_RateLimitKeepsMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded, retry after 30s"))
	})

	_, err := client.GetIssue(context.Background(), 10, 42)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "rate limit exceeded, retry after 30s")
}

func TestUpdateLabels_SendsCSVDiff(t *testing.T) {
	var got map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})

	err := client.UpdateLabels(context.Background(), 10, 42,
		[]string{"qa::passed"}, []string{"qa::testing", "qa::ready"})
	require.NoError(t, err)
	assert.Equal(t, "qa::passed", got["add_labels"])
	assert.Equal(t, "qa::testing,qa::ready", got["remove_labels"])
}

func TestUpdateLabels_EmptyDiffSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	require.NoError(t, client.UpdateLabels(context.Background(), 10, 42, nil, nil))
	assert.Equal(t, int32(0), calls.Load())
}

func TestCreateComment(t *testing.T) {
	var got map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/10/issues/42/notes", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("{}"))
	})

	require.NoError(t, client.CreateComment(context.Background(), 10, 42, "## Отчет"))
	assert.Equal(t, "## Отчет", got["body"])
}

func TestListMembers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/10/members/all", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		json.NewEncoder(w).Encode([]Member{
			{ID: 1, Username: "ivanov"},
			{ID: 2, Username: "petrova"},
		})
	})

	members, err := client.ListMembers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ivanov", members[0].Username)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsRateLimited(&APIError{StatusCode: http.StatusInternalServerError}))
	assert.False(t, IsRateLimited(ErrNotFound))
	assert.False(t, IsRateLimited(nil))
}
