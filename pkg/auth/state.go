package auth

import (
	"sync"
	"time"
)

// Phase is the lifecycle position of the credential.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseValid
	PhaseRefreshing
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "UNINITIALIZED"
	case PhaseValid:
		return "VALID"
	case PhaseRefreshing:
		return "REFRESHING"
	case PhaseFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// flight is one outstanding exchange. done is closed after token and err
// are written, so readers never see a partial result.
type flight struct {
	submitted string
	done      chan struct{}
	token     string
	err       error
}

// TokenState is the single in-memory copy of the credential. All fields
// change together under mu; nothing outside this file writes them.
type TokenState struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	issuedAt     time.Time
	flight       *flight
	fatal        error
	lastErr      error
}

// NewTokenState returns an UNINITIALIZED state holding refreshToken.
func NewTokenState(refreshToken string) *TokenState {
	return &TokenState{refreshToken: refreshToken}
}

// StateSnapshot is a consistent copy of TokenState.
type StateSnapshot struct {
	Phase           Phase
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	IssuedAt        time.Time
	RefreshInFlight bool
	Fatal           error
	LastError       error
}

// Snapshot returns a consistent copy of the state.
func (s *TokenState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Phase:           s.phaseLocked(),
		AccessToken:     s.accessToken,
		RefreshToken:    s.refreshToken,
		ExpiresAt:       s.expiresAt,
		IssuedAt:        s.issuedAt,
		RefreshInFlight: s.flight != nil,
		Fatal:           s.fatal,
		LastError:       s.lastErr,
	}
}

func (s *TokenState) phaseLocked() Phase {
	switch {
	case s.fatal != nil:
		return PhaseFatal
	case s.flight != nil:
		return PhaseRefreshing
	case s.accessToken != "":
		return PhaseValid
	default:
		return PhaseUninitialized
	}
}

// usableLocked returns the access token when it outlives now+buffer.
func (s *TokenState) usableLocked(now time.Time, buffer time.Duration) (string, bool) {
	if s.accessToken == "" || s.expiresAt.IsZero() {
		return "", false
	}
	if !s.expiresAt.After(now.Add(buffer)) {
		return "", false
	}
	return s.accessToken, true
}

// invalidateLocked drops the access token if it is still rejected.
func (s *TokenState) invalidateLocked(rejected string) bool {
	if rejected == "" || s.accessToken != rejected {
		return false
	}
	s.accessToken = ""
	s.expiresAt = time.Time{}
	return true
}

// beginLocked starts a new flight for the current refresh token. A redundant
// flight replaces the pointer; the older flight still completes for its own
// waiters.
func (s *TokenState) beginLocked() *flight {
	f := &flight{submitted: s.refreshToken, done: make(chan struct{})}
	s.flight = f
	return f
}

// commit is the result of finishing a flight.
type commit struct {
	rotated bool
	stale   bool
}

// finish applies an outcome and ends the flight in one step.
//
// Only Success mutates the credential. A FatalFailure for a refresh token
// that another flight already rotated away is stale and does not mark the
// state FATAL.
func (s *TokenState) finish(f *flight, outcome RefreshOutcome, now time.Time, buffer time.Duration) commit {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c commit
	switch o := outcome.(type) {
	case Success:
		s.accessToken = o.AccessToken
		s.expiresAt = now.Add(o.ExpiresIn)
		s.issuedAt = now
		s.lastErr = nil
		if o.RotatedRefreshToken != "" && o.RotatedRefreshToken != s.refreshToken {
			s.refreshToken = o.RotatedRefreshToken
			c.rotated = true
		}
		f.token = o.AccessToken
	case RetryableFailure:
		s.lastErr = o.Err
		f.err = o.Err
	case FatalFailure:
		s.lastErr = o.Err
		if f.submitted != s.refreshToken && KindOf(o.Err) == KindInvalidGrant {
			c.stale = true
			if tok, ok := s.usableLocked(now, buffer); ok {
				f.token = tok
				break
			}
			f.err = &AuthError{
				Op:      "refresh_token",
				Kind:    KindTransientNetwork,
				Message: "refresh token was rotated by a concurrent refresh",
				Err:     o.Err,
			}
			break
		}
		if s.fatal == nil {
			s.fatal = o.Err
		}
		f.err = o.Err
	}

	if s.flight == f {
		s.flight = nil
	}
	close(f.done)
	return c
}
