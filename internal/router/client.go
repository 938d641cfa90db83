// Package router is the HTTP client for the optional worker-router service.
// The core only ever invokes the small contract below; the service itself is
// an external collaborator.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const healthTimeout = 5 * time.Second

type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func NewClient(endpoint string, log zerolog.Logger) *Client {
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With().Str("component", "router_client").Logger(),
	}
}

// HealthCheck probes GET /health with a 5 second hard timeout. Any failure,
// including non-2xx, reports unavailable.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("router health check failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RegisterWorker announces this process to the router. Non-2xx is fatal to
// the caller (enhanced mode cannot start without a registration).
func (c *Client) RegisterWorker(ctx context.Context, workerID, namespace string) error {
	body := map[string]any{
		"namespace":    namespace,
		"capabilities": []string{},
	}
	path := "/api/v1/workers/" + url.PathEscape(workerID) + "/register"
	return c.post(ctx, path, body, nil)
}

// Route asks the router to fan the envelope out and returns the target
// queue names.
func (c *Client) Route(ctx context.Context, envelope json.RawMessage) ([]string, error) {
	var out struct {
		RoutedQueues []string `json:"routedQueues"`
	}
	if err := c.post(ctx, "/api/v1/events/route", envelope, &out); err != nil {
		return nil, err
	}
	return out.RoutedQueues, nil
}

// Subscribe tells the router this worker handles the given event types.
// Callers treat failures as best-effort; the local registry is authoritative.
func (c *Client) Subscribe(ctx context.Context, workerID string, eventTypes []string) error {
	path := "/api/v1/workers/" + url.PathEscape(workerID) + "/subscribe"
	return c.post(ctx, path, map[string]any{"eventTypes": eventTypes}, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, workerID string, eventTypes []string) error {
	path := "/api/v1/workers/" + url.PathEscape(workerID) + "/unsubscribe"
	return c.post(ctx, path, map[string]any{"eventTypes": eventTypes}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("router %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("router %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("router %s: decode response: %w", path, err)
	}
	return nil
}
