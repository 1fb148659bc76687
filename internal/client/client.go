// Package client talks to a running gateway over its HTTP session transport
// and admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sockethub/sockethub/internal/api"
	"github.com/sockethub/sockethub/internal/models"
)

type Client struct {
	BaseURL string
	// APIKey authenticates admin requests. Session requests do not use it.
	APIKey string
	HTTP   *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// OpenSession creates a session. An empty secret lets the server pick one.
func (c *Client) OpenSession(ctx context.Context, secret string) (*api.CreateSessionResponse, error) {
	var out api.CreateSessionResponse
	err := c.do(ctx, "POST", "/v1/sessions", api.CreateSessionRequest{Secret: secret}, false, http.StatusCreated, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Send submits one message on session id.
func (c *Client) Send(ctx context.Context, id string, msg *models.ActivityStream) error {
	var out api.SubmitResponse
	return c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(id)+"/messages", msg, false, http.StatusAccepted, &out)
}

// Events polls session id, waiting up to wait for the first event.
func (c *Client) Events(ctx context.Context, id string, wait time.Duration) (*api.EventsResponse, error) {
	path := "/v1/sessions/" + url.PathEscape(id) + "/events"
	if wait > 0 {
		path += "?wait=" + strconv.Itoa(int(wait/time.Second))
	}
	var out api.EventsResponse
	if err := c.do(ctx, "GET", path, nil, false, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession disconnects session id.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	var out api.DisconnectResponse
	return c.do(ctx, "DELETE", "/v1/sessions/"+url.PathEscape(id), nil, false, http.StatusOK, &out)
}

func (c *Client) ListInstances(ctx context.Context) (*api.ListInstancesResponse, error) {
	var out api.ListInstancesResponse
	if err := c.do(ctx, "GET", "/v1/instances", nil, true, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPlatforms(ctx context.Context) (*api.ListPlatformsResponse, error) {
	var out api.ListPlatformsResponse
	if err := c.do(ctx, "GET", "/v1/platforms", nil, true, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, "GET", "/v1/healthz", nil, false, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, admin bool, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return parseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	// Rate limiting answers with the gateway's error activity.
	var activity models.ActivityStream
	if resp.StatusCode == http.StatusTooManyRequests && json.Unmarshal(body, &activity) == nil && activity.Summary != "" {
		return fmt.Errorf("%s", activity.Summary)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
