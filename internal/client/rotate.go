package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/postalsys/metroo-hub/internal/auth"
)

// rotatePath is the hub endpoint exchanging a token for a fresh one.
const rotatePath = "/api/tokens/rotate"

// rotateURL derives the rotation endpoint from the control channel URL.
func rotateURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid hub URL scheme %q", u.Scheme)
	}
	u.Path = rotatePath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) httpClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.cfg.TLSConfig != nil {
		tr.TLSClientConfig = c.cfg.TLSConfig
	} else if c.cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}
	return &http.Client{Transport: tr, Timeout: c.cfg.AuthTimeout}
}

// rotateToken exchanges the current token at the hub.
func (c *Client) rotateToken(ctx context.Context) error {
	endpoint, err := rotateURL(c.cfg.HubURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("rotate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rotate failed: %s: %s", resp.Status, body)
	}

	var tr auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode rotate response: %w", err)
	}
	if tr.Token == "" {
		return fmt.Errorf("rotate response carries no token")
	}

	c.mu.Lock()
	c.token = tr.Token
	c.mu.Unlock()

	c.logger.Info("token rotated", "expires", tr.ExpiresAt.Format(time.RFC3339))
	if c.cfg.OnTokenRotated != nil {
		c.cfg.OnTokenRotated(tr.Token, tr.ExpiresAt)
	}
	return nil
}
