package episodepilot

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/d-kuro/episodepilot/pkg/clock"
	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/envsync"
	"github.com/d-kuro/episodepilot/pkg/validate"
)

// Config holds everything needed to supervise the hosting credential.
type Config struct {
	// Hosting authority
	ClientID     string   `env:"HOSTING_CLIENT_ID"`
	ClientSecret string   `env:"HOSTING_CLIENT_SECRET"`
	RefreshToken string   `env:"HOSTING_REFRESH_TOKEN"`
	TokenURL     string   `env:"HOSTING_TOKEN_URL" env-default:"https://api.spreaker.com/oauth2/token"`
	AuthURL      string   `env:"HOSTING_AUTH_URL" env-default:"https://www.spreaker.com/oauth2/authorize"`
	Scopes       []string `env:"HOSTING_SCOPES" env-default:"basic" env-separator:","`

	// Secondary channel
	FallbackURL    string `env:"TOKEN_FALLBACK_URL"`
	FallbackSecret string `env:"TOKEN_FALLBACK_SECRET"`

	// Rotated refresh-token sync targets
	RailwayAPIToken      string `env:"RAILWAY_API_TOKEN"`
	RailwayProjectID     string `env:"RAILWAY_PROJECT_ID"`
	RailwayEnvironmentID string `env:"RAILWAY_ENVIRONMENT_ID"`
	RailwayServiceID     string `env:"RAILWAY_SERVICE_ID"`
	EnvSyncFile          string `env:"ENV_SYNC_FILE"`
	RedisURL             string `env:"REDIS_URL"`
	RedisKeyPrefix       string `env:"REDIS_KEY_PREFIX" env-default:"episodepilot:env:"`

	Environment string `env:"APP_ENV" env-default:"production"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

	// Tuning
	ExpiryBuffer   time.Duration `env:"TOKEN_EXPIRY_BUFFER" env-default:"5m"`
	RefreshWait    time.Duration `env:"TOKEN_REFRESH_WAIT" env-default:"30s"`
	RetryBaseDelay time.Duration `env:"TOKEN_RETRY_BASE_DELAY" env-default:"1s"`
	MaxAttempts    int           `env:"TOKEN_MAX_ATTEMPTS" env-default:"3"`

	HTTPClient *http.Client     `env:"-"`
	Clock      clock.Nower      `env:"-"`
	Logger     *zap.Logger      `env:"-"`
	Syncers    []envsync.Syncer `env:"-"`

	// fromEnv marks a Config parsed by LoadConfig. Zero values in it were
	// set explicitly and are kept.
	fromEnv bool
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithHTTPClient sets the client used for every outbound call.
func WithHTTPClient(c *http.Client) ConfigOption {
	return func(cfg *Config) {
		cfg.HTTPClient = c
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Nower) ConfigOption {
	return func(cfg *Config) {
		cfg.Clock = c
	}
}

// WithLogger sets the logger instead of building one from LOG_LEVEL and APP_ENV.
func WithLogger(l *zap.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithFallback sets the secondary channel endpoint and secret.
func WithFallback(url, secret string) ConfigOption {
	return func(cfg *Config) {
		cfg.FallbackURL = url
		cfg.FallbackSecret = secret
	}
}

// WithSyncers adds sync targets on top of those derived from the environment.
func WithSyncers(syncers ...envsync.Syncer) ConfigOption {
	return func(cfg *Config) {
		cfg.Syncers = append(cfg.Syncers, syncers...)
	}
}

// WithRefreshToken overrides HOSTING_REFRESH_TOKEN.
func WithRefreshToken(token string) ConfigOption {
	return func(cfg *Config) {
		cfg.RefreshToken = token
	}
}

// LoadConfig reads envFiles (missing files are skipped) into the process
// environment and parses it. Variables already set take precedence.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Field: f, Message: err.Error()}
		}
	}

	cfg := &Config{fromEnv: true}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, &ConfigError{Field: "environment", Message: err.Error()}
	}
	return cfg, nil
}

// NewConfig loads the environment and applies opts on top.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Apply(opts...)
	return cfg, nil
}

// Apply applies opts in order.
func (c *Config) Apply(opts ...ConfigOption) {
	for _, opt := range opts {
		opt(c)
	}
}

// Development reports whether APP_ENV selects local development.
func (c *Config) Development() bool {
	return strings.EqualFold(c.Environment, constants.EnvironmentDevelopment)
}

// Validate ensures the configuration is complete. It never contacts the
// authority; shape problems are reported before any network traffic.
func (c *Config) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := validate.Token("refresh token", c.RefreshToken); err != nil {
		return &ConfigError{Field: "HOSTING_REFRESH_TOKEN", Message: err.Error()}
	}
	return c.validateTuning()
}

func (c *Config) validateTuning() error {
	if c.MaxAttempts <= 0 {
		return &ConfigError{Field: "TOKEN_MAX_ATTEMPTS", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshWait <= 0 {
		return &ConfigError{Field: "TOKEN_REFRESH_WAIT", Message: constants.ValidationErrorPositive}
	}
	if c.RetryBaseDelay <= 0 {
		return &ConfigError{Field: "TOKEN_RETRY_BASE_DELAY", Message: constants.ValidationErrorPositive}
	}
	if c.ExpiryBuffer < 0 {
		return &ConfigError{Field: "TOKEN_EXPIRY_BUFFER", Message: "must not be negative"}
	}
	return nil
}

// applyDefaults gives a Config built in code the values LoadConfig would
// have read from env-default tags. A zero ExpiryBuffer therefore only
// disables the buffer when it comes from TOKEN_EXPIRY_BUFFER.
func (c *Config) applyDefaults() {
	if c.fromEnv {
		return
	}
	if c.TokenURL == "" {
		c.TokenURL = constants.DefaultHostingTokenURL
	}
	if c.AuthURL == "" {
		c.AuthURL = constants.DefaultHostingAuthURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{constants.DefaultHostingScope}
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = constants.DefaultRedisKeyPrefix
	}
	if c.Environment == "" {
		c.Environment = constants.EnvironmentProduction
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ExpiryBuffer == 0 {
		c.ExpiryBuffer = constants.TokenExpiryBuffer
	}
	if c.RefreshWait == 0 {
		c.RefreshWait = constants.RefreshWaitTimeout
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = constants.RetryBaseDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = constants.RetryMaxAttempts
	}
}

// validateIdentity checks what bootstrap needs: the client and the authority
// endpoints, but no refresh token yet.
func (c *Config) validateIdentity() error {
	if c.ClientID == "" {
		return &ConfigError{Field: "HOSTING_CLIENT_ID", Message: constants.ValidationErrorEmpty}
	}
	if validate.Placeholder(c.ClientID) {
		return &ConfigError{Field: "HOSTING_CLIENT_ID", Message: constants.ValidationErrorPlaceholder}
	}
	if c.ClientSecret == "" {
		return &ConfigError{Field: "HOSTING_CLIENT_SECRET", Message: constants.ValidationErrorEmpty}
	}
	if _, err := validate.HTTPURL(c.TokenURL); err != nil {
		return &ConfigError{Field: "HOSTING_TOKEN_URL", Message: constants.ValidationErrorURL}
	}
	if _, err := validate.HTTPURL(c.AuthURL); err != nil {
		return &ConfigError{Field: "HOSTING_AUTH_URL", Message: constants.ValidationErrorURL}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}
