// Package delivery talks to the sibling service that owns the WhatsApp session: it
// registers this process as a listener for inbound messages and sends replies through it.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/logger"
)

// Client is an HTTP client for the delivery service API rooted at BaseURL.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Status is the session state reported by the delivery service.
type Status struct {
	Connected bool           `json:"connected"`
	Raw       map[string]any `json:"-"`
}

type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func New(cfg config.DeliveryConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// RegisterListener asks the delivery service to forward inbound messages to callbackURL.
// Only a response with "success": true counts as registered.
func (c *Client) RegisterListener(ctx context.Context, callbackURL string) error {
	return c.post(ctx, "/register-listener", map[string]string{"callbackUrl": callbackURL}, true)
}

// UnregisterListener stops forwarding to callbackURL.
func (c *Client) UnregisterListener(ctx context.Context, callbackURL string) error {
	return c.post(ctx, "/unregister-listener", map[string]string{"callbackUrl": callbackURL}, false)
}

// SendText sends a text message to a contact, waiting for the send rate limit first.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return c.post(ctx, "/send", map[string]string{"to": to, "message": text}, false)
}

// Status fetches the session state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("delivery status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("delivery status: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Status{}, fmt.Errorf("delivery status: unexpected status %d", resp.StatusCode)
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, fmt.Errorf("delivery status: decode: %w", err)
	}
	_ = json.Unmarshal(body, &st.Raw)
	return st, nil
}

// post sends payload as JSON. With requireSuccess the response must carry
// "success": true; otherwise only an explicit false is a failure.
func (c *Client) post(ctx context.Context, path string, payload any, requireSuccess bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivery %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("delivery %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			if requireSuccess {
				return fmt.Errorf("delivery %s: decode response: %w", path, err)
			}
			logger.L.Debug("delivery response is not JSON", "path", path, "error", err)
			return nil
		}
	}
	if requireSuccess && (env.Success == nil || !*env.Success) {
		return fmt.Errorf("delivery %s: not confirmed: %s", path, firstNonEmpty(env.Error, env.Message, "missing success flag"))
	}
	if env.Success != nil && !*env.Success {
		reason := env.Error
		if reason == "" {
			reason = env.Message
		}
		return fmt.Errorf("delivery %s: rejected: %s", path, reason)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
