package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runoshun/foreman/internal/domain"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(domain.RemoteConfig{BaseURL: srv.URL, AuthToken: "secret"}), srv
}

func TestCreateSession(t *testing.T) {
	var got CreateSessionRequest
	var auth, requestID string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1"})
	})
	defer srv.Close()

	sess, err := client.CreateSession(context.Background(), CreateSessionRequest{
		Prompt: "add caching", Source: "main", RequireApproval: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "add caching", got.Prompt)
	assert.Equal(t, "main", got.Source)
	assert.True(t, got.RequireApproval)
	assert.Equal(t, "Bearer secret", auth)
	assert.NotEmpty(t, requestID)
}

func TestCreateSession_MissingSource(t *testing.T) {
	client := NewClient(domain.RemoteConfig{BaseURL: "http://unused", AuthToken: "t"})
	_, err := client.CreateSession(context.Background(), CreateSessionRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrSourceRequired)
}

func TestListActivities_PaginationToken(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s1/activities", r.URL.Path)
		assert.Equal(t, "tok-3", r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(ActivityPage{
			Activities: []Activity{{ID: "a4", Kind: ActivityProgress, Text: "step 4"}},
			NextToken:  "tok-4",
			Total:      4,
		})
	})
	defer srv.Close()

	page, err := client.ListActivities(context.Background(), "s1", "tok-3")
	require.NoError(t, err)
	require.Len(t, page.Activities, 1)
	assert.Equal(t, "step 4", page.Activities[0].Text)
	assert.Equal(t, "tok-4", page.NextToken)
	assert.Equal(t, 4, page.Total)
}

func TestAPIError_Classification(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such session"})
	})
	defer srv.Close()

	_, err := client.GetSession(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAPIError)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Fatal(), "404 is fatal")
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "no such session")
}

func TestAPIError_ServerErrorIsTransient(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	defer srv.Close()

	_, err := client.GetSession(context.Background(), "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Fatal(), "5xx without an error code keeps polling")
}

func TestAPIError_ExplicitCodeIsFatal(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "invalid_source", "message": "unknown source"})
	})
	defer srv.Close()

	err := client.CancelSession(context.Background(), "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Fatal())
	assert.Equal(t, "invalid_source", apiErr.Code)
}

func TestAPIError_NonJSONBody(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	defer srv.Close()

	_, err := client.GetSession(context.Background(), "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
	assert.False(t, errors.Is(err, domain.ErrSourceRequired))
}
