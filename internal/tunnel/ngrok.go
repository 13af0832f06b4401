// Package tunnel provisions public URLs for local ports through the local
// ngrok agent API, so the remote meeting-hosting service can reach a
// locally running proxy.
package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/meetkit/bot-gateway/internal/resilience"
	"github.com/rs/zerolog"
)

// ErrTunnel is returned when a public tunnel cannot be provisioned.
var ErrTunnel = errors.New("tunnel provisioning failed")

// Provisioner opens and closes public tunnels to local ports.
type Provisioner interface {
	Open(ctx context.Context, localPort int) (publicURL string, err error)
	Close(ctx context.Context, publicURL string) error
}

// NgrokClient talks to the local ngrok agent API (default 127.0.0.1:4040).
type NgrokClient struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   *resilience.RetryConfig
	logger     zerolog.Logger

	mu    sync.Mutex
	names map[string]string // public URL -> agent tunnel name
}

type tunnelRequest struct {
	Name  string `json:"name"`
	Proto string `json:"proto"`
	Addr  string `json:"addr"`
}

type tunnelResponse struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
}

// NewNgrokClient creates a tunnel client against the given agent base URL.
func NewNgrokClient(baseURL string, timeout time.Duration, retryCfg *resilience.RetryConfig) *NgrokClient {
	return &NgrokClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retryCfg:   retryCfg,
		logger:     observability.GetLogger().With().Str("component", "tunnel").Logger(),
		names:      make(map[string]string),
	}
}

// Open requests a public URL bound to the given local port.
func (c *NgrokClient) Open(ctx context.Context, localPort int) (string, error) {
	name := fmt.Sprintf("session-%d-%d", localPort, time.Now().UnixNano())

	body, err := json.Marshal(tunnelRequest{
		Name:  name,
		Proto: "http",
		Addr:  fmt.Sprintf("%d", localPort),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTunnel, err)
	}

	var publicURL string
	err = resilience.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tunnels", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var tr tunnelResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
		if tr.PublicURL == "" {
			return fmt.Errorf("agent response missing public_url")
		}
		publicURL = tr.PublicURL
		return nil
	}, c.retryCfg, resilience.IsRetryableNetworkError)

	if err != nil {
		return "", fmt.Errorf("%w: port %d: %v", ErrTunnel, localPort, err)
	}

	c.mu.Lock()
	c.names[publicURL] = name
	c.mu.Unlock()

	c.logger.Info().Int("local_port", localPort).Str("public_url", publicURL).Msg("Tunnel opened")
	return publicURL, nil
}

// Close releases the tunnel bound to publicURL. Unknown URLs are a no-op so
// teardown stays idempotent.
func (c *NgrokClient) Close(ctx context.Context, publicURL string) error {
	c.mu.Lock()
	name, ok := c.names[publicURL]
	if ok {
		delete(c.names, publicURL)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/tunnels/"+name, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTunnel, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTunnel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: agent returned status %d", ErrTunnel, resp.StatusCode)
	}

	c.logger.Info().Str("public_url", publicURL).Msg("Tunnel closed")
	return nil
}

// WebSocketURL converts a tunnel's http(s) public URL into the ws(s) form
// handed to the meeting-hosting service for audio streaming.
func WebSocketURL(publicURL string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://")
	default:
		return publicURL
	}
}
