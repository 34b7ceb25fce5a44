// Package barkclient talks to a Bark push server, the channel used to
// deliver geofence and security alerts to an owner's phone.
package barkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Client is a thin wrapper over the Bark server HTTP API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New creates a Bark API client.
func New(rawURL, token string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		token:   token,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Ping checks Bark server health.
func (c *Client) Ping(ctx context.Context) (*CommonResponse[map[string]any], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("/ping"), nil)
	if err != nil {
		return nil, err
	}
	var payload CommonResponse[map[string]any]
	if err := c.do(req, "ping", &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SendEncryptedPush posts an AES-encrypted notification to the device
// registered under deviceKey.
func (c *Client) SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*CommonResponse[struct{}], error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("device key is required")
	}
	body, err := json.Marshal(map[string]string{
		"ciphertext": ciphertext,
		"iv":         iv,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("/"+deviceKey), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var payload CommonResponse[struct{}]
	if err := c.do(req, "push", &payload); err != nil {
		return nil, err
	}
	if payload.Code != http.StatusOK {
		return &payload, fmt.Errorf("push rejected: %d %s", payload.Code, payload.Message)
	}
	return &payload, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if c.token != "" {
		req.Header.Set("API-TOKEN", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s http status %s", op, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	return u.String()
}

// BaseURL returns the configured Bark server URL without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

// CommonResponse models Bark server standard response.
type CommonResponse[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Data      T      `json:"data"`
}
