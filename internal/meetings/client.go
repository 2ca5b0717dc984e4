package meetings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the meetings API of a relay.
type Client struct {
	base       string
	credential string
	http       *http.Client
}

// NewClient targets the relay at baseURL (scheme and host). credential is
// sent as a bearer token when set.
func NewClient(baseURL, credential string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), credential: credential, http: hc}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("meetings api: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("meetings api: %s: %s", http.StatusText(e.Status), e.Message)
}

func (c *Client) Create(ctx context.Context, title string) (Meeting, error) {
	var m Meeting
	err := c.do(ctx, http.MethodPost, "/api/meetings", CreateMeetingRequest{Title: title}, &m)
	return m, err
}

func (c *Client) List(ctx context.Context) ([]Meeting, error) {
	var body struct {
		Meetings []Meeting `json:"meetings"`
	}
	err := c.do(ctx, http.MethodGet, "/api/meetings", nil, &body)
	return body.Meetings, err
}

func (c *Client) Get(ctx context.Context, id string) (Meeting, error) {
	var m Meeting
	err := c.do(ctx, http.MethodGet, "/api/meetings/"+url.PathEscape(id), nil, &m)
	return m, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/meetings/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("meetings api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("meetings api: decode response: %w", err)
	}
	return nil
}
