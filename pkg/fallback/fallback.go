// Package fallback is the client for the secondary token channel: a small
// service that holds its own copy of the hosting credential and can issue
// access tokens when the primary refresh token has been burned.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/logger"
	"github.com/d-kuro/episodepilot/pkg/validate"
)

var (
	// ErrNotConfigured is returned by every call on a channel that failed IsConfigured.
	ErrNotConfigured = errors.New("fallback channel not configured")
	// ErrUnauthorized means the channel rejected the shared secret. Never retried.
	ErrUnauthorized = errors.New("fallback channel rejected shared secret")
)

// StatusError is a non-2xx answer from the channel.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fallback channel returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	URL    string
	Secret string
	// AllowLoopback permits localhost endpoints, for local development only.
	AllowLoopback bool

	HTTPClient    *http.Client
	Logger        *zap.Logger
	BaseDelay     time.Duration
	MaxAttempts   int
	HealthTimeout time.Duration
	Timeout       time.Duration
}

// Health is the result of CheckHealth.
type Health struct {
	Healthy bool
	Detail  string
}

// Status is the channel's view of its own credential.
type Status struct {
	Healthy     bool      `json:"healthy"`
	HasToken    bool      `json:"has_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Token is a credential issued by the channel.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type refreshRequest struct {
	ForceRefresh bool `json:"force_refresh"`
}

// Client talks to the secondary channel.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New returns a Client. A Client built from an unusable Config is still
// valid; IsConfigured reports false and every call returns ErrNotConfigured.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.RetryBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.RetryMaxAttempts
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = constants.HealthCheckTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.OAuthRequestTimeout
	}

	c := &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		logger: logger.OrNop(cfg.Logger).Named("fallback"),
	}
	if u, err := validate.HTTPURL(cfg.URL); err == nil {
		c.base = u
	}
	return c
}

// IsConfigured reports whether both URL and secret are present and the URL
// is a usable, non-template http(s) address.
func (c *Client) IsConfigured() bool {
	return c.configError() == nil
}

func (c *Client) configError() error {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return fmt.Errorf("url %s", constants.ValidationErrorEmpty)
	}
	if validate.Placeholder(c.cfg.Secret) {
		return fmt.Errorf("secret %s", constants.ValidationErrorRequired)
	}
	if validate.Placeholder(c.cfg.URL) || c.base == nil {
		return fmt.Errorf("url %s", constants.ValidationErrorURL)
	}
	host := c.base.Hostname()
	if validate.DefaultHost(host) {
		return fmt.Errorf("url %s", constants.ValidationErrorPlaceholder)
	}
	if validate.Loopback(host) && !c.cfg.AllowLoopback {
		return fmt.Errorf("loopback url %q only allowed in development", host)
	}
	return nil
}

// CheckHealth calls GET /health once. It never returns an error; failures
// are reported through Health.Detail.
func (c *Client) CheckHealth(ctx context.Context) Health {
	if err := c.configError(); err != nil {
		return Health{Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	data, err := c.roundTrip(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		c.logger.Warn("health check failed", zap.Error(err))
		return Health{Detail: err.Error()}
	}

	// Plain-text bodies are accepted; only the status code decides health.
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	detail := "ok"
	if json.Unmarshal(data, &body) == nil && body.Status != "" {
		detail = strings.TrimSpace(body.Status + " " + body.Message)
	}
	return Health{Healthy: true, Detail: detail}
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Refresh asks the channel for an access token. forceRefresh makes the
// channel exchange its own refresh token even if its cached token is valid.
func (c *Client) Refresh(ctx context.Context, forceRefresh bool) (*Token, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/refresh", refreshRequest{ForceRefresh: forceRefresh}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("fallback refresh: response missing access_token")
	}
	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = constants.DefaultTokenLifetime
	}
	return &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// do runs roundTrip under the channel's retry policy.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.configError(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	b := retry.NewExponential(c.cfg.BaseDelay)
	b = retry.WithJitterPercent(constants.RetryJitterPercent, b)
	b = retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		data, err := c.roundTrip(attemptCtx, method, path, in)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(data)) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return err
		}
		c.logger.Debug("fallback request failed, retrying",
			zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		return retry.RetryableError(err)
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	req.Header.Set("Accept", constants.ContentTypeJSON)
	req.Header.Set("User-Agent", constants.DefaultUserAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", constants.ContentTypeJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
