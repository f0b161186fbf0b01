package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/fruitpilot/internal/httputil"
	"github.com/banshee-data/fruitpilot/internal/nav"
)

// Client talks to a running fruitpilot over its HTTP API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient targets base, e.g. "http://10.147.84.40:8080".
func NewClient(base string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (c *Client) do(req *http.Request, v interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: httputil.DecodeError(body)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/status", nil)
	if err != nil {
		return StatusResponse{}, err
	}
	var st StatusResponse
	err = c.do(req, &st)
	return st, err
}

// Command sends one console line.
func (c *Client) Command(ctx context.Context, line string) (CommandResponse, error) {
	form := url.Values{"command": {line}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/command", strings.NewReader(form.Encode()))
	if err != nil {
		return CommandResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var resp CommandResponse
	err = c.do(req, &resp)
	return resp, err
}

// Submit adapts Command to operator.RunLines, so a remote console reads
// the same way as the local one.
func (c *Client) Submit(ctx context.Context) func(nav.Request) error {
	return func(req nav.Request) error {
		resp, err := c.Command(ctx, req.String())
		if err != nil {
			return err
		}
		if req.Reply != nil {
			reply := resp.Reply
			if reply == "" {
				reply = resp.Command + " accepted"
			}
			req.Reply(reply)
		}
		return nil
	}
}
