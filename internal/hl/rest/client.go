package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client posts typed requests to the Hyperliquid /info endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// Info posts to /info and decodes the response into out, which may be a
// *map[string]any, *[]any or any other JSON-shaped target.
func (c *Client) Info(ctx context.Context, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + "/info"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// InfoMap is a convenience wrapper for responses known to be JSON objects.
func (c *Client) InfoMap(ctx context.Context, req any) (map[string]any, error) {
	var data map[string]any
	if err := c.Info(ctx, req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// InfoAny decodes into an untyped value for payloads whose top-level shape
// varies between object and array.
func (c *Client) InfoAny(ctx context.Context, req any) (any, error) {
	var data any
	if err := c.Info(ctx, req, &data); err != nil {
		return nil, err
	}
	return data, nil
}
