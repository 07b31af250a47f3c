// Package episodepilot keeps the podcast hosting credential of the episode
// pipeline alive. It wires the token supervisor to the hosting authority,
// the secondary token channel and the stores rotated refresh tokens are
// synced to.
//
// Example usage:
//
//	cfg, err := episodepilot.LoadConfig(".env")
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := episodepilot.NewClient(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Fail fast if the refresh token has been burned
//	if _, err := client.ValidateAtStartup(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	token, err := client.AccessToken(ctx)
package episodepilot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/d-kuro/episodepilot/pkg/auth"
	"github.com/d-kuro/episodepilot/pkg/browser"
	"github.com/d-kuro/episodepilot/pkg/clock"
	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/envsync"
	"github.com/d-kuro/episodepilot/pkg/episode"
	"github.com/d-kuro/episodepilot/pkg/fallback"
	"github.com/d-kuro/episodepilot/pkg/logger"
)

// Client bundles the supervised credential with its collaborators.
type Client struct {
	config   *Config
	logger   *zap.Logger
	http     *http.Client
	fallback *fallback.Client
	syncer   envsync.Syncer
	redis    *redis.Client

	newSupervisor func(refreshToken string) *auth.Supervisor

	mu         sync.Mutex
	supervisor *auth.Supervisor
	retired    []*auth.Supervisor
	// recovery is the configured refresh token, kept while an unproven
	// synced token is in use.
	recovery string
}

// NewClient wires a Client from cfg. A nil cfg is loaded from the
// environment. A refresh token previously synced to redis or the env file
// takes precedence over the configured one, since a rotation may have
// happened after the environment was read. If the authority rejects the
// synced token before it has worked once, the configured token is tried
// instead.
func NewClient(ctx context.Context, cfg *Config, opts ...ConfigOption) (*Client, error) {
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(); err != nil {
			return nil, err
		}
	}
	cfg.Apply(opts...)
	cfg.applyDefaults()

	if err := cfg.validateIdentity(); err != nil {
		return nil, err
	}
	if err := cfg.validateTuning(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		var err error
		if log, err = logger.New(cfg.LogLevel, cfg.Environment); err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(&HTTPClientConfig{
			Timeout:         constants.DefaultHTTPTimeout,
			AllowPrivateIPs: cfg.Development(),
		})
	}

	c := &Client{
		config: cfg,
		logger: log,
		http:   httpClient,
	}

	syncers, lookupers, err := c.buildSyncers()
	if err != nil {
		return nil, err
	}
	if len(syncers) == 1 {
		c.syncer = syncers[0]
	} else if len(syncers) > 1 {
		c.syncer = syncers
	}

	c.fallback = fallback.New(fallback.Config{
		URL:           cfg.FallbackURL,
		Secret:        cfg.FallbackSecret,
		AllowLoopback: cfg.Development(),
		HTTPClient:    httpClient,
		Logger:        log,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxAttempts:   cfg.MaxAttempts,
	})

	executor := auth.NewExecutor(auth.ExecutorConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		HTTPClient:   httpClient,
		Fallback:     c.fallback,
		Logger:       log,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxAttempts:  cfg.MaxAttempts,
	})

	refreshToken := c.resolveRefreshToken(ctx, lookupers)
	if refreshToken != cfg.RefreshToken && cfg.RefreshToken != "" {
		c.recovery = cfg.RefreshToken
	}

	supOpts := []auth.SupervisorOption{
		auth.WithLogger(log),
		auth.WithExpiryBuffer(cfg.ExpiryBuffer),
		auth.WithWaitTimeout(cfg.RefreshWait),
		auth.WithDriftMonitor(clock.NewDriftMonitor(), constants.DriftThreshold),
	}
	if cfg.Clock != nil {
		supOpts = append(supOpts, auth.WithClock(cfg.Clock))
	}
	if c.syncer != nil {
		supOpts = append(supOpts, auth.WithSyncer(c.syncer))
	}
	c.newSupervisor = func(refreshToken string) *auth.Supervisor {
		return auth.NewSupervisor(executor, refreshToken, supOpts...)
	}
	c.supervisor = c.newSupervisor(refreshToken)

	log.Info("credential supervisor ready",
		zap.String("refresh_token", auth.Fingerprint(refreshToken)),
		zap.Bool("fallback_configured", c.fallback.IsConfigured()),
		zap.String("sync", c.syncName()))
	return c, nil
}

func (c *Client) buildSyncers() (envsync.Multi, []envsync.Lookuper, error) {
	cfg := c.config
	syncers := append(envsync.Multi{}, cfg.Syncers...)
	var lookupers []envsync.Lookuper

	railway := envsync.RailwayConfig{
		APIToken:      cfg.RailwayAPIToken,
		ProjectID:     cfg.RailwayProjectID,
		EnvironmentID: cfg.RailwayEnvironmentID,
		ServiceID:     cfg.RailwayServiceID,
		HTTPClient:    c.http,
		BaseDelay:     cfg.RetryBaseDelay,
	}
	if railway.Configured() {
		syncers = append(syncers, envsync.NewRailwaySyncer(railway))
	}

	if cfg.RedisURL != "" {
		rs, rc, err := envsync.NewRedisSyncer(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, nil, &ConfigError{Field: "REDIS_URL", Message: err.Error()}
		}
		c.redis = rc
		syncers = append(syncers, rs)
		lookupers = append(lookupers, rs)
	}

	if cfg.EnvSyncFile != "" {
		ds := envsync.NewDotenvSyncer(cfg.EnvSyncFile)
		syncers = append(syncers, ds)
		lookupers = append(lookupers, ds)
	}

	return syncers, lookupers, nil
}

func (c *Client) resolveRefreshToken(ctx context.Context, lookupers []envsync.Lookuper) string {
	configured := c.config.RefreshToken
	if len(lookupers) == 0 {
		return configured
	}

	ctx, cancel := context.WithTimeout(ctx, constants.EnvSyncTimeout)
	defer cancel()

	synced, err := envsync.LookupFirst(ctx, constants.RefreshTokenEnvKey, lookupers...)
	switch {
	case errors.Is(err, envsync.ErrNotFound):
		return configured
	case err != nil:
		c.logger.Warn("failed to read synced refresh token, using configured one", zap.Error(err))
		return configured
	case synced != configured:
		c.logger.Info("using refresh token synced after a previous rotation",
			zap.String("refresh_token", auth.Fingerprint(synced)))
	}
	return synced
}

func (c *Client) syncName() string {
	if c.syncer == nil {
		return "none"
	}
	return c.syncer.Name()
}

// AccessToken returns a valid access token, refreshing when needed.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.call(ctx, func(s *auth.Supervisor) (string, error) { return s.AccessToken(ctx) })
}

// ValidateAtStartup performs one eager refresh.
func (c *Client) ValidateAtStartup(ctx context.Context) (string, error) {
	return c.call(ctx, func(s *auth.Supervisor) (string, error) { return s.ValidateAtStartup(ctx) })
}

// RefreshAfterRejection replaces a token the hosting API refused.
func (c *Client) RefreshAfterRejection(ctx context.Context, rejected string) (string, error) {
	return c.call(ctx, func(s *auth.Supervisor) (string, error) { return s.RefreshAfterRejection(ctx, rejected) })
}

// Status reports the credential state without network calls.
func (c *Client) Status() *auth.Status {
	return c.current().Status()
}

func (c *Client) current() *auth.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supervisor
}

// call runs fn against the current supervisor. An invalid grant on a synced
// refresh token that has never worked switches to the configured token and
// runs fn once more.
func (c *Client) call(ctx context.Context, fn func(*auth.Supervisor) (string, error)) (string, error) {
	s := c.current()
	tok, err := fn(s)
	if err == nil {
		c.settle(s)
		return tok, nil
	}
	if !errors.Is(err, auth.ErrInvalidGrant) {
		return tok, err
	}
	next := c.recover(ctx, s, err)
	if next == nil {
		return tok, err
	}
	return fn(next)
}

// settle drops the recovery token once the synced one has proven good.
func (c *Client) settle(s *auth.Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.supervisor == s {
		c.recovery = ""
	}
}

// recover replaces failed with a supervisor holding the configured token.
// It returns nil when there is nothing left to try.
func (c *Client) recover(ctx context.Context, failed *auth.Supervisor, cause error) *auth.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.supervisor != failed {
		return c.supervisor
	}
	if c.recovery == "" {
		return nil
	}

	token := c.recovery
	c.recovery = ""
	c.logger.Warn("synced refresh token was rejected, retrying with the configured one",
		zap.String("refresh_token", auth.Fingerprint(token)),
		zap.Error(cause))

	// Written before the retry so a rotation synced by the new supervisor
	// always lands after it.
	if c.syncer != nil {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.EnvSyncTimeout)
		if err := c.syncer.Sync(syncCtx, constants.RefreshTokenEnvKey, token); err != nil {
			c.logger.Warn("failed to sync configured refresh token", zap.Error(err))
		}
		cancel()
	}

	c.retired = append(c.retired, failed)
	c.supervisor = c.newSupervisor(token)
	return c.supervisor
}

// CheckFallback checks the secondary channel. It returns ErrNotConfigured
// when no usable channel is set up.
func (c *Client) CheckFallback(ctx context.Context) (fallback.Health, *fallback.Status, error) {
	if !c.fallback.IsConfigured() {
		return fallback.Health{}, nil, fallback.ErrNotConfigured
	}
	health := c.fallback.CheckHealth(ctx)
	if !health.Healthy {
		return health, nil, nil
	}
	st, err := c.fallback.Status(ctx)
	return health, st, err
}

// Bootstrap runs the browser consent flow, returns the new refresh token and
// pushes it to every sync target.
func (c *Client) Bootstrap(ctx context.Context) (*oauth2.Token, error) {
	consent := browser.NewConsent(&oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.config.AuthURL,
			TokenURL:  c.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: c.config.Scopes,
	}, c.http, c.logger)

	return c.bootstrap(ctx, consent)
}

func (c *Client) bootstrap(ctx context.Context, consent *browser.Consent) (*oauth2.Token, error) {
	tok, err := consent.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("consent failed: %w", err)
	}

	fp := auth.Fingerprint(tok.RefreshToken)
	if c.syncer == nil {
		c.logger.Warn("no sync target configured, set the refresh token manually",
			zap.String("variable", constants.RefreshTokenEnvKey),
			zap.String("new_refresh_token", tok.RefreshToken))
		return tok, nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, constants.EnvSyncTimeout)
	defer cancel()
	if err := c.syncer.Sync(syncCtx, constants.RefreshTokenEnvKey, tok.RefreshToken); err != nil {
		c.logger.Warn("failed to sync bootstrapped refresh token",
			zap.String("refresh_token", fp), zap.Error(err))
		return tok, err
	}
	c.logger.Info("bootstrapped refresh token synced",
		zap.String("refresh_token", fp), zap.String("sync", c.syncer.Name()))
	return tok, nil
}

// NewRunner builds an episode runner that draws tokens from c.
func (c *Client) NewRunner(sheet episode.Sheet, gen episode.Generator, synth episode.Synthesizer, upload episode.Uploader, cfg episode.Config) *episode.Runner {
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.Clock == nil && c.config.Clock != nil {
		cfg.Clock = c.config.Clock
	}
	return episode.NewRunner(sheet, gen, synth, upload, c, cfg)
}

// Close waits for pending syncs and releases connections.
func (c *Client) Close() error {
	c.mu.Lock()
	sups := append([]*auth.Supervisor{c.supervisor}, c.retired...)
	c.mu.Unlock()
	for _, s := range sups {
		s.Wait()
	}
	_ = c.logger.Sync()
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

var _ episode.Tokens = (*Client)(nil)
