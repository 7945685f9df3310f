// Package client talks to a taskboard server over HTTP and keeps a live
// mirror of the board from its event stream.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/api"
	"taskboard/domain"
)

const maxErrorBody = 1 << 20

// Client wraps http.Client with typed calls for every board route.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Error is a non-2xx response. It unwraps to the domain error the server
// reported, so errors.Is(err, domain.ErrNotFound) and AsConflict work.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Status, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body api.ErrorBody
	if err := sonic.Unmarshal(data, &body); err != nil || body.Code == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		code := ""
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = domain.CodeNotFound
		case http.StatusUnauthorized:
			code = domain.CodeUnauthorized
		}
		return &Error{Status: resp.StatusCode, Code: code, Err: domain.ErrorForCode(code, msg)}
	}
	if body.Code == domain.CodeConflict && body.Current != nil {
		ce := &domain.ConflictError{Current: *body.Current}
		if body.Draft != nil {
			ce.Draft = *body.Draft
		}
		return &Error{Status: resp.StatusCode, Code: body.Code, Err: ce}
	}
	return &Error{Status: resp.StatusCode, Code: body.Code, Err: domain.ErrorForCode(body.Code, body.Error)}
}

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.TaskView, error) {
	var out struct {
		Tasks []domain.TaskView `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.TaskView, error) {
	var out domain.TaskView
	err := c.do(ctx, http.MethodGet, taskPath(id), nil, &out)
	return out, err
}

// CreateTask creates a task. A non-empty idempotencyKey makes a replay of the
// same request fail with a duplicate_request error instead of creating twice.
func (c *Client) CreateTask(ctx context.Context, req domain.CreateTask, idempotencyKey string) (domain.TaskView, error) {
	var out domain.TaskView
	r, err := c.newRequest(ctx, http.MethodPost, "/tasks", req)
	if err != nil {
		return out, err
	}
	if idempotencyKey != "" {
		r.Header.Set("Idempotency-Key", idempotencyKey)
	}
	err = c.send(r, &out)
	return out, err
}

// UpdateTask submits an edit. A stale edit fails with *domain.ConflictError.
func (c *Client) UpdateTask(ctx context.Context, id string, req domain.UpdateTask) (domain.TaskView, error) {
	var out domain.TaskView
	err := c.do(ctx, http.MethodPut, taskPath(id), req, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

func (c *Client) SmartAssign(ctx context.Context, id string) (domain.TaskView, error) {
	var out domain.TaskView
	err := c.do(ctx, http.MethodPost, taskPath(id)+"/smart-assign", nil, &out)
	return out, err
}

func (c *Client) ListUsers(ctx context.Context) ([]domain.User, error) {
	var out struct {
		Users []domain.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// ListLogs returns the audit trail newest first.
func (c *Client) ListLogs(ctx context.Context) ([]domain.LogView, error) {
	var out struct {
		Logs []domain.LogView `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/logs", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}
