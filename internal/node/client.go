package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nefrit/internal/config"
	"nefrit/internal/model"
)

// UserRequest is the body of the worker user API.
type UserRequest struct {
	Secret string `json:"secret"`
	UUID   string `json:"uuid"`
	Path   string `json:"path,omitempty"`
}

// SyncRequest replaces the whole user set of a worker.
type SyncRequest struct {
	Secret string     `json:"secret"`
	Users  []SyncUser `json:"users"`
}

// SyncUser is one entry of SyncRequest.
type SyncUser struct {
	UUID string `json:"uuid"`
	Path string `json:"path"`
}

// UserResponse is the success body of the worker user API.
type UserResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TotalUsers int    `json:"total_users"`
}

// apiError mirrors the error payload written by the http handlers.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the user API of one worker node.
type Client struct {
	name       string
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient returns a client for the given worker. Requests are traced via otelhttp.
func NewClient(w config.WorkerNode, secret string, timeout time.Duration) *Client {
	return &Client{
		name:    w.Name,
		baseURL: w.URL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) Name() string { return c.name }

// AddUser registers a client id on the worker.
func (c *Client) AddUser(ctx context.Context, uuid, path string) (*UserResponse, error) {
	return c.post(ctx, "/api/add_user", UserRequest{Secret: c.secret, UUID: uuid, Path: path})
}

// SyncUsers replaces the worker's users in one request; the worker restarts
// Xray once.
func (c *Client) SyncUsers(ctx context.Context, users []model.User) (*UserResponse, error) {
	req := SyncRequest{Secret: c.secret, Users: make([]SyncUser, 0, len(users))}
	for _, u := range users {
		req.Users = append(req.Users, SyncUser{UUID: u.UUID, Path: u.Path})
	}
	return c.post(ctx, "/api/sync_users", req)
}

// Health fetches the worker health report.
func (c *Client) Health(ctx context.Context) (*model.NodeHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var h model.NodeHealth
	if err := c.do(req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*UserResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out UserResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.name, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", c.name, req.URL.Path, err)
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		msg := string(data)
		if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		return fmt.Errorf("%s %s: status %d: %s", c.name, req.URL.Path, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.name, req.URL.Path, err)
	}
	return nil
}
