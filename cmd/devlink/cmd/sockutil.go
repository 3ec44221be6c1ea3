package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/statusapi"
)

// newSocketClient creates an HTTP client that connects via Unix socket.
func newSocketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// socketURL returns a URL for the given path using the Unix socket.
func socketURL(path string) string {
	return "http://localhost" + path
}

// socketDo performs a request to the local agent via Unix socket.
func socketDo(socketPath, method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, socketURL(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := newSocketClient(socketPath).Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not running or socket unavailable at %s: %w", socketPath, err)
	}
	return resp, nil
}

// decodeResponse decodes a JSON body into v, or returns the agent's error.
func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e statusapi.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// wsStream reads published states from the watch endpoint.
type wsStream struct {
	conn *websocket.Conn
}

// dialWatch opens the watch stream over the Unix socket.
func dialWatch(ctx context.Context, socketPath string) (*wsStream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://localhost/v1/watch", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("agent not running or socket unavailable at %s: %w", socketPath, err)
	}
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Next() (linkstate.State, error) {
	var st linkstate.State
	if err := s.conn.ReadJSON(&st); err != nil {
		return linkstate.State{}, err
	}
	return st, nil
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
