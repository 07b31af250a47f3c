package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/logger"
	"github.com/d-kuro/episodepilot/pkg/validate"
)

// ExecutorConfig holds refresh exchange configuration.
type ExecutorConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	HTTPClient *http.Client
	Fallback   SecondaryChannel
	Logger     *zap.Logger

	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxAttempts    int

	// OnBackoff is called with each retry delay before it is waited out.
	OnBackoff func(attempt int, delay time.Duration)
}

// Executor performs the refresh_token grant against the hosting authority.
type Executor struct {
	oauth    *oauth2.Config
	cfg      ExecutorConfig
	fallback SecondaryChannel
	logger   *zap.Logger
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = constants.OAuthRequestTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.RetryBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.RetryMaxAttempts
	}

	return &Executor{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
				// Credentials in the form body; auto-detection would send a
				// second request after a 401 and burn a rotated token.
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		cfg:      cfg,
		fallback: cfg.Fallback,
		logger:   logger.OrNop(cfg.Logger).Named("executor"),
	}
}

// Exchange trades refreshToken for a new access token. It retries transient
// failures and consults the secondary channel when the grant is rejected.
func (e *Executor) Exchange(ctx context.Context, refreshToken string) RefreshOutcome {
	if err := e.checkConfig(refreshToken); err != nil {
		return FatalFailure{Err: err}
	}

	var (
		token   *oauth2.Token
		lastErr *AuthError
		attempt int
	)
	err := retry.Do(ctx, e.backoff(&attempt), func(ctx context.Context) error {
		attempt++
		tok, err := e.attempt(ctx, refreshToken)
		if err != nil {
			lastErr = err
			if err.Kind.Fatal() {
				e.logger.Warn("token exchange rejected",
					zap.Int("attempt", attempt), zap.Stringer("kind", err.Kind), zap.Error(err))
				return err
			}
			e.logger.Info("token exchange failed, will retry",
				zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		token = tok
		return nil
	})

	if err == nil {
		return e.success(token, refreshToken, attempt)
	}
	if lastErr == nil {
		return RetryableFailure{Err: &AuthError{
			Op:      "refresh_token",
			Kind:    KindTransientNetwork,
			Message: "token exchange cancelled",
			Err:     err,
		}}
	}
	if lastErr.Kind == KindInvalidGrant {
		if s, ok := e.tryFallback(ctx); ok {
			return s
		}
	}
	if lastErr.Kind.Fatal() {
		return FatalFailure{Err: lastErr}
	}
	return RetryableFailure{Err: lastErr}
}

func (e *Executor) checkConfig(refreshToken string) *AuthError {
	if err := validate.Token("refresh token", refreshToken); err != nil {
		return &AuthError{Op: "validate_token", Kind: KindConfiguration, Message: "refresh token validation failed", Err: err}
	}
	if validate.Placeholder(e.cfg.ClientID) || validate.Placeholder(e.cfg.ClientSecret) {
		return &AuthError{Op: "validate_client", Kind: KindConfiguration, Message: "client id and secret must be provided"}
	}
	if _, err := validate.HTTPURL(e.cfg.TokenURL); err != nil {
		return &AuthError{Op: "validate_client", Kind: KindConfiguration, Message: "token URL is invalid", Err: err}
	}
	return nil
}

// backoff is 1x, 2x, 4x base with jitter, stopping after MaxAttempts.
func (e *Executor) backoff(attempt *int) retry.Backoff {
	b := retry.NewExponential(e.cfg.BaseDelay)
	b = retry.WithJitterPercent(constants.RetryJitterPercent, b)
	b = retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), b)
	if e.cfg.OnBackoff == nil {
		return b
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			e.cfg.OnBackoff(*attempt, d)
		}
		return d, stop
	})
}

func (e *Executor) attempt(ctx context.Context, refreshToken string) (*oauth2.Token, *AuthError) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.cfg.HTTPClient)

	tok, err := e.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(ctx, err)
	}
	return tok, nil
}

func (e *Executor) success(tok *oauth2.Token, submitted string, attempts int) Success {
	s := Success{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn(tok),
		Source:      SourcePrimary,
	}
	// x/oauth2 echoes the submitted token back when the response omits one.
	if tok.RefreshToken != "" && tok.RefreshToken != submitted {
		s.RotatedRefreshToken = tok.RefreshToken
	}
	e.logger.Info("token exchange succeeded",
		zap.Int("attempts", attempts),
		zap.Duration("expires_in", s.ExpiresIn),
		zap.Bool("rotated", s.RotatedRefreshToken != ""),
		zap.String("access_token", Fingerprint(s.AccessToken)))
	return s
}

func expiresIn(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			return d.Round(time.Second)
		}
	}
	return constants.DefaultTokenLifetime
}

// tryFallback asks the secondary channel for a token. Every failure here is
// a warning; the caller surfaces the original rejection.
func (e *Executor) tryFallback(ctx context.Context) (Success, bool) {
	if e.fallback == nil || !e.fallback.IsConfigured() {
		e.logger.Debug("no secondary channel configured")
		return Success{}, false
	}

	health := e.fallback.CheckHealth(ctx)
	if !health.Healthy {
		e.logger.Warn("secondary channel unhealthy, skipping fallback refresh",
			zap.String("detail", health.Detail))
		return Success{}, false
	}

	tok, err := e.fallback.Refresh(ctx, true)
	if err != nil {
		e.logger.Warn("secondary channel refresh failed", zap.Error(err))
		return Success{}, false
	}

	e.logger.Info("access token obtained from secondary channel",
		zap.Duration("expires_in", tok.ExpiresIn),
		zap.String("access_token", Fingerprint(tok.AccessToken)))
	return Success{
		AccessToken:         tok.AccessToken,
		ExpiresIn:           tok.ExpiresIn,
		RotatedRefreshToken: tok.RefreshToken,
		Source:              SourceFallback,
	}, true
}

// Fingerprint returns a short, log-safe prefix of a secret.
func Fingerprint(secret string) string {
	if len(secret) <= constants.FingerprintLength {
		return "***"
	}
	return secret[:constants.FingerprintLength] + "..."
}
