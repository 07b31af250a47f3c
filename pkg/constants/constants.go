package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "episodepilot"

	DefaultUserAgent = LibraryName + "/" + LibraryVersion

	// Hosting authority endpoints. Overridden by HOSTING_TOKEN_URL / HOSTING_AUTH_URL.
	DefaultHostingTokenURL = "https://api.spreaker.com/oauth2/token"
	DefaultHostingAuthURL  = "https://www.spreaker.com/oauth2/authorize"
	DefaultHostingScope    = "basic"

	DefaultRailwayEndpoint = "https://backboard.railway.app/graphql/v2"
	DefaultRedisKeyPrefix  = "episodepilot:env:"

	// RefreshTokenEnvKey is the variable rotated refresh tokens are synced to.
	RefreshTokenEnvKey = "HOSTING_REFRESH_TOKEN"

	// Network timeouts
	OAuthRequestTimeout  = 15 * time.Second
	UploadTimeout        = 60 * time.Second
	HealthCheckTimeout   = 10 * time.Second
	EnvSyncTimeout       = 15 * time.Second
	DefaultHTTPTimeout   = 30 * time.Second
	DefaultDialerTimeout = 10 * time.Second

	// Token lifecycle
	TokenExpiryBuffer       = 5 * time.Minute
	DefaultTokenLifetime    = time.Hour
	RefreshWaitTimeout      = 30 * time.Second
	RetryBaseDelay          = 1 * time.Second
	RetryMaxAttempts        = 3
	RetryJitterPercent      = 10
	DriftThreshold          = 30 * time.Second
	ClaimsMismatchTolerance = time.Minute
	MinTokenLength          = 10   // Minimum token length
	MaxTokenLength          = 4096 // Maximum token length
	FingerprintLength       = 8

	// Connection pool
	MaxIdleConns          = 20
	MaxIdleConnsPerHost   = 5
	IdleConnTimeout       = 90 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 30 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	KeepAliveTimeout      = 30 * time.Second
	MaxRedirects          = 5
	MaxResponseSize       = 1 * 1024 * 1024

	ContentTypeJSON = "application/json"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	FilePermissions = 0600

	// Bootstrap consent flow
	AuthTimeout           = 5 * time.Minute
	ServerShutdownTimeout = 5 * time.Second
	StateRandomBytes      = 32
	CallbackPath          = "/oauth2callback"

	// Episode processing
	CandidateWindow = 180 * 24 * time.Hour

	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"

	ValidationErrorEmpty       = "cannot be empty"
	ValidationErrorRequired    = "must be provided"
	ValidationErrorPlaceholder = "looks like a placeholder value"
	ValidationErrorURL         = "must be an absolute http(s) URL"
	ValidationErrorPositive    = "must be greater than zero"
	ConfigErrorPrefix          = "config error in "
)

// PlaceholderValues are values shipped in templates that must never be sent to an authority.
var PlaceholderValues = []string{
	"your_refresh_token",
	"your-refresh-token",
	"changeme",
	"change_me",
	"replace_me",
	"placeholder",
	"todo",
	"xxx",
	"<refresh_token>",
}

// DefaultFallbackHosts are template hosts that count as "not configured" for the secondary channel.
var DefaultFallbackHosts = []string{
	"example.com",
	"your-token-service.example.com",
	"token-service.example.com",
}

var BrowserCommands = map[string][]string{
	"windows": {"cmd", "/c", "start"},
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
}
