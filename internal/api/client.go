// Package api is the HTTP client for the device service: status queries,
// connect/disconnect actions and the server-sent event stream.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/plexsphere/devlink/internal/linkstate"
)

const (
	// gzipThreshold is the minimum body size for gzip compression.
	gzipThreshold = 1024 // 1 KiB

	// maxResponseSize is the maximum decompressed response body size (1 MiB).
	maxResponseSize = 1 << 20

	// userAgentPrefix is the User-Agent header prefix.
	userAgentPrefix = "devlink/"
)

// Client talks to the device service on behalf of one device.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	devicePath   string
	version      string
	idleTimeout  time.Duration
	logger       *slog.Logger

	mu        sync.RWMutex
	authToken string
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, version string, logger *slog.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		DisableCompression: true,
	}

	logger = logger.With("component", "api", "device_id", cfg.DeviceID)
	if cfg.TLSInsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		// The event stream is long-lived; only the idle timeout bounds it.
		streamClient: &http.Client{Transport: transport},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		devicePath:   "/v1/devices/" + url.PathEscape(cfg.DeviceID),
		version:      version,
		idleTimeout:  cfg.SSEIdleTimeout,
		logger:       logger,
		authToken:    cfg.Token,
	}, nil
}

// SetAuthToken sets the bearer token used for API authentication.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) getAuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// connectRequest is the body of POST /v1/devices/{id}/connect.
type connectRequest struct {
	ForceWakeup bool `json:"force_wakeup"`
}

// GetStatus queries the current device status.
// GET /v1/devices/{id}/status
func (c *Client) GetStatus(ctx context.Context) (linkstate.Status, error) {
	var st linkstate.Status
	if err := c.doRequest(ctx, http.MethodGet, c.devicePath+"/status", nil, &st); err != nil {
		return linkstate.Status{}, err
	}
	return st, nil
}

// Connect asks the service to connect the device. A nil error means the
// request was accepted, not that the device is connected.
// POST /v1/devices/{id}/connect
func (c *Client) Connect(ctx context.Context, forceWakeup bool) error {
	return c.doRequest(ctx, http.MethodPost, c.devicePath+"/connect", connectRequest{ForceWakeup: forceWakeup}, nil)
}

// Disconnect asks the service to disconnect the device.
// POST /v1/devices/{id}/disconnect
func (c *Client) Disconnect(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, c.devicePath+"/disconnect", nil, nil)
}

// doRequest handles JSON marshaling, gzip compression, request execution,
// and response decoding.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if result == nil {
		return nil
	}

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("api: gzip decompress response: %w", err)
		}
		defer gr.Close()
		reader = gr
	}
	if err := json.NewDecoder(io.LimitReader(reader, maxResponseSize)).Decode(result); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// openEventStream opens the device event stream. The caller closes the body.
// GET /v1/devices/{id}/events
func (c *Client) openEventStream(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.devicePath+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: SSE connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// newRequest builds a request with the standard headers and an optional
// JSON body, gzip-compressed when large.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	var compressed bool

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal request body: %w", err)
		}
		if len(data) > gzipThreshold {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(data); err != nil {
				return nil, fmt.Errorf("api: gzip compress request: %w", err)
			}
			if err := gw.Close(); err != nil {
				return nil, fmt.Errorf("api: gzip close: %w", err)
			}
			bodyReader = &buf
			compressed = true
		} else {
			bodyReader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if token := c.getAuthToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", userAgentPrefix+c.version)
	return req, nil
}
