package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a credential operation failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConfiguration means a required setting is missing or malformed. Fatal.
	KindConfiguration
	// KindInvalidGrant means the authority rejected the refresh token as expired or used. Fatal.
	KindInvalidGrant
	// KindInvalidClient means the authority rejected the client credentials. Fatal.
	KindInvalidClient
	// KindTransientNetwork covers timeouts, 5xx, rate limits and other retryable failures.
	KindTransientNetwork
	// KindConcurrencyTimeout is raised when waiting on another refresh gives up.
	// It never leaves the supervisor.
	KindConcurrencyTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindInvalidClient:
		return "invalid_client"
	case KindTransientNetwork:
		return "transient_network"
	case KindConcurrencyTimeout:
		return "concurrency_timeout"
	default:
		return "unknown"
	}
}

// Fatal reports whether retrying cannot succeed for this kind.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindConfiguration, KindInvalidGrant, KindInvalidClient:
		return true
	default:
		return false
	}
}

// Sentinel errors matched by errors.Is against an *AuthError of the same kind.
var (
	ErrConfiguration      = errors.New("credential configuration error")
	ErrInvalidGrant       = errors.New("refresh token rejected by authority")
	ErrInvalidClient      = errors.New("client credentials rejected by authority")
	ErrTransientNetwork   = errors.New("transient network failure")
	ErrConcurrencyTimeout = errors.New("timed out waiting for in-flight refresh")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindInvalidGrant:
		return ErrInvalidGrant
	case KindInvalidClient:
		return ErrInvalidClient
	case KindTransientNetwork:
		return ErrTransientNetwork
	case KindConcurrencyTimeout:
		return ErrConcurrencyTimeout
	default:
		return nil
	}
}

// AuthError represents an authentication error.
type AuthError struct {
	Op      string    // The operation that failed
	Kind    ErrorKind // Classification, decided once at the HTTP boundary
	Message string    // Human-readable error message
	Err     error     // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *AuthError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Remediation returns the operator action for e.Kind.
func (e *AuthError) Remediation() string {
	switch e.Kind {
	case KindConfiguration:
		return "check HOSTING_CLIENT_ID, HOSTING_CLIENT_SECRET and HOSTING_REFRESH_TOKEN are set to real values"
	case KindInvalidGrant:
		return "the refresh token is expired or already used; run `episodepilot bootstrap` to issue a new one"
	case KindInvalidClient:
		return "the client id or secret was rejected; verify the application credentials with the hosting provider"
	case KindTransientNetwork:
		return "the authority was unreachable; retry the run later"
	default:
		return ""
	}
}

// KindOf returns the kind of the first *AuthError in err's chain.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err is a credential failure that retrying cannot fix.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
