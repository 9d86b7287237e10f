// Package remote executes tasks as cloud-hosted agent sessions, polling
// for activity records and completion artifacts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/runoshun/foreman/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Session is a cloud session as reported by the provider.
type Session struct {
	ID        string     `json:"id"`
	State     string     `json:"state,omitempty"` // Explicit provider state, may be empty
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a produced output (e.g. a change-set).
type Artifact struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
}

// Activity is one record in the session's activity history.
type Activity struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
}

// Activity kinds the state heuristics recognize.
const (
	ActivityPlanGenerated = "plan_generated"
	ActivityPlanApproved  = "plan_approved"
	ActivityProgress      = "progress"
	ActivityUserMessage   = "user_message_requested"
)

// ActivityPage is one page of the activity listing.
type ActivityPage struct {
	Activities []Activity `json:"activities"`
	NextToken  string     `json:"next_token,omitempty"`
	Total      int        `json:"total"`
}

// APIError is a structured provider error. A not-found status or an
// explicit error code is fatal; everything else is transient.
type APIError struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps provider errors onto the engine's error taxonomy.
func (e *APIError) Unwrap() error {
	return domain.ErrAPIError
}

// Fatal reports whether polling must stop and the task fail.
func (e *APIError) Fatal() bool {
	return e.StatusCode == http.StatusNotFound || e.Code != ""
}

// Client is a JSON HTTP client for the session provider.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient creates a provider client from the remote configuration.
func NewClient(cfg domain.RemoteConfig) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
	}
}

// CreateSessionRequest is the session creation payload.
type CreateSessionRequest struct {
	Prompt          string `json:"prompt"`
	Source          string `json:"source"`
	Automation      bool   `json:"automation,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`
}

// CreateSession starts a new cloud session. The source name is required.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("session source not configured: %w", domain.ErrSourceRequired)
	}
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches current session state and artifacts.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListActivities fetches activities starting strictly after the given
// pagination token; an empty token fetches from the beginning.
func (c *Client) ListActivities(ctx context.Context, sessionID, fromToken string) (*ActivityPage, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/activities"
	if fromToken != "" {
		path += "?from=" + url.QueryEscape(fromToken)
	}
	var page ActivityPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CancelSession requests cancellation of a running session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		// Tolerate non-JSON error bodies; status code alone still classifies.
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
