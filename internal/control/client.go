package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/postalsys/metroo-hub/internal/tunnel"
)

// ErrNotFound is returned when the hub does not know the requested agent,
// service or relay.
var ErrNotFound = errors.New("not found")

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the hub status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.getJSON(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Agents retrieves the connected agents.
func (c *Client) Agents(ctx context.Context) (*AgentsResponse, error) {
	var agents AgentsResponse
	if err := c.getJSON(ctx, "/agents", &agents); err != nil {
		return nil, err
	}
	return &agents, nil
}

// Services retrieves the bound service listeners.
func (c *Client) Services(ctx context.Context) (*ServicesResponse, error) {
	var services ServicesResponse
	if err := c.getJSON(ctx, "/services", &services); err != nil {
		return nil, err
	}
	return &services, nil
}

// Relays retrieves the registered relays and bridges.
func (c *Client) Relays(ctx context.Context) (*RelaysResponse, error) {
	var relays RelaysResponse
	if err := c.getJSON(ctx, "/relays", &relays); err != nil {
		return nil, err
	}
	return &relays, nil
}

// Relay retrieves one relay or bridge by connection id.
func (c *Client) Relay(ctx context.Context, connID string) (*tunnel.RelayInfo, error) {
	var relay tunnel.RelayInfo
	if err := c.getJSON(ctx, "/relays/"+url.PathEscape(connID), &relay); err != nil {
		return nil, err
	}
	return &relay, nil
}

// Disconnect closes the session of an agent.
func (c *Client) Disconnect(ctx context.Context, agentID string) error {
	return c.delete(ctx, "/agents/"+url.PathEscape(agentID))
}

// Expose starts a listener for a service of a connected agent and returns
// its port.
func (c *Client) Expose(ctx context.Context, req ExposeRequest) (*ExposeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/services", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ExposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Unexpose stops the listener of a service.
func (c *Client) Unexpose(ctx context.Context, serviceID string) error {
	return c.delete(ctx, "/services/"+url.PathEscape(serviceID))
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do performs a request to the control socket.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	// Use a dummy host since we're connecting via Unix socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(string(msg)))
		}
		return nil, fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return resp, nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
