// Package browser runs the one-time consent flow that mints the hosting
// refresh token the supervisor later lives on.
package browser

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/logger"
)

// ErrNoRefreshToken is returned when the authority completes consent without
// issuing an offline credential.
var ErrNoRefreshToken = errors.New("authority did not return a refresh token")

type result struct {
	token *oauth2.Token
	err   error
}

// Consent handles the authorization-code flow against a loopback callback.
type Consent struct {
	config  *oauth2.Config
	state   string
	logger  *zap.Logger
	timeout time.Duration
	client  *http.Client
	server  *http.Server

	// Open launches the consent URL. Defaults to the platform browser.
	Open func(url string) error
}

// NewConsent creates a consent flow for config. client is used for the code
// exchange and may be nil.
func NewConsent(config *oauth2.Config, client *http.Client, log *zap.Logger) *Consent {
	return &Consent{
		config:  config,
		state:   generateState(),
		logger:  logger.OrNop(log).Named("consent"),
		timeout: constants.AuthTimeout,
		client:  client,
		Open:    openBrowser,
	}
}

// Authenticate opens the consent page and waits for the callback. The
// returned token always carries a refresh token.
func (c *Consent) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open callback listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	c.config.RedirectURL = fmt.Sprintf("http://localhost:%d%s", port, constants.CallbackPath)
	authURL := c.config.AuthCodeURL(c.state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))

	results := make(chan result, 1)
	c.serve(ctx, ln, results)
	defer c.shutdown()

	c.logger.Info("hosting authorization required, opening consent page", zap.String("url", authURL))
	if err := c.Open(authURL); err != nil {
		c.logger.Warn("failed to open browser, visit the URL manually", zap.String("url", authURL), zap.Error(err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		if res.token.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}
		return res.token, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("consent not completed within %s", c.timeout)
	}
}

func (c *Consent) serve(ctx context.Context, ln net.Listener, results chan<- result) {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.CallbackPath, c.handleCallback(ctx, results))

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.DefaultDialerTimeout,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(results, result{err: fmt.Errorf("callback server error: %w", err)})
		}
	}()
}

func (c *Consent) handleCallback(ctx context.Context, results chan<- result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if msg := query.Get("error"); msg != "" {
			deliver(results, result{err: fmt.Errorf("authorization denied: %s", msg)})
			writePage(w, http.StatusOK, "Authorization failed", "The hosting platform reported: "+msg)
			return
		}

		if query.Get("state") != c.state {
			deliver(results, result{err: errors.New("state mismatch, possible CSRF attack")})
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}

		code := query.Get("code")
		if code == "" {
			deliver(results, result{err: errors.New("no authorization code received")})
			http.Error(w, "No authorization code found", http.StatusBadRequest)
			return
		}

		exCtx := context.WithoutCancel(ctx)
		if c.client != nil {
			exCtx = context.WithValue(exCtx, oauth2.HTTPClient, c.client)
		}
		exCtx, cancel := context.WithTimeout(exCtx, constants.OAuthRequestTimeout)
		defer cancel()

		token, err := c.config.Exchange(exCtx, code)
		if err != nil {
			deliver(results, result{err: fmt.Errorf("failed to exchange authorization code: %w", err)})
			writePage(w, http.StatusOK, "Authorization failed", "The authorization code could not be exchanged.")
			return
		}

		deliver(results, result{token: token})
		writePage(w, http.StatusOK, "Authorization complete", "You can close this window.")
	}
}

// deliver keeps only the first outcome; later callbacks are dropped.
func deliver(results chan<- result, res result) {
	select {
	case results <- res:
	default:
	}
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><title>%s</title><h1>%s</h1><p>%s</p>", title, title, html.EscapeString(body))
}

func (c *Consent) shutdown() {
	if c.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	_ = c.server.Shutdown(ctx)
}

// generateState generates a random state parameter for CSRF protection.
func generateState() string {
	b := make([]byte, constants.StateRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("state_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func openBrowser(url string) error {
	cmd := "xdg-open"
	var args []string
	if commands, ok := constants.BrowserCommands[runtime.GOOS]; ok {
		cmd = commands[0]
		args = commands[1:]
	}
	return exec.Command(cmd, append(args, url)...).Start()
}
