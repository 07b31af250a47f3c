package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d-kuro/episodepilot/pkg/clock"
	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/envsync"
	"github.com/d-kuro/episodepilot/pkg/logger"
)

// Supervisor owns the TokenState and is the only entry point callers use
// to obtain access tokens.
type Supervisor struct {
	state     *TokenState
	exchanger Exchanger

	syncer  envsync.Syncer
	syncKey string
	syncWG  sync.WaitGroup

	clock          clock.Nower
	drift          *clock.DriftMonitor
	driftThreshold time.Duration
	buffer         time.Duration
	waitTimeout    time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	lastDrift clock.DriftResult
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock sets the clock used for expiry decisions.
func WithClock(c clock.Nower) SupervisorOption {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger.OrNop(l) }
}

// WithSyncer sets where rotated refresh tokens are persisted.
func WithSyncer(syncer envsync.Syncer) SupervisorOption {
	return func(s *Supervisor) { s.syncer = syncer }
}

// WithSyncKey sets the variable name rotated refresh tokens are written to.
func WithSyncKey(key string) SupervisorOption {
	return func(s *Supervisor) { s.syncKey = key }
}

// WithExpiryBuffer sets how long before expiry a token stops being served.
// Zero is allowed; negative values are ignored.
func WithExpiryBuffer(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d >= 0 {
			s.buffer = d
		}
	}
}

// WithWaitTimeout bounds how long a caller waits on another caller's refresh.
// Non-positive values are ignored.
func WithWaitTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithDriftMonitor replaces the system drift monitor.
func WithDriftMonitor(m *clock.DriftMonitor, threshold time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.drift = m
		s.driftThreshold = threshold
	}
}

// NewSupervisor creates a supervisor holding refreshToken. No network call
// is made until the first token is requested.
func NewSupervisor(exchanger Exchanger, refreshToken string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		state:          NewTokenState(refreshToken),
		exchanger:      exchanger,
		syncKey:        constants.RefreshTokenEnvKey,
		clock:          clock.System{},
		drift:          clock.NewDriftMonitor(),
		driftThreshold: constants.DriftThreshold,
		buffer:         constants.TokenExpiryBuffer,
		waitTimeout:    constants.RefreshWaitTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("supervisor")
	return s
}

// AccessToken returns a token that stays valid past the expiry buffer,
// refreshing it first when needed.
func (s *Supervisor) AccessToken(ctx context.Context) (string, error) {
	return s.acquire(ctx, "", false)
}

// ValidateAtStartup performs one eager refresh so a dead credential is
// found before any work starts.
func (s *Supervisor) ValidateAtStartup(ctx context.Context) (string, error) {
	tok, err := s.acquire(ctx, "", true)
	if err != nil {
		s.logger.Error("startup credential validation failed", zap.Error(err))
		return "", err
	}
	s.logger.Info("startup credential validation succeeded")
	return tok, nil
}

// RefreshAfterRejection handles a 401/403 from the hosting API.
func (s *Supervisor) RefreshAfterRejection(ctx context.Context, rejected string) (string, error) {
	return s.acquire(ctx, rejected, false)
}

func (s *Supervisor) acquire(ctx context.Context, rejected string, force bool) (string, error) {
	s.sampleDrift()
	now := s.clock.Now()

	s.state.mu.Lock()
	if err := s.state.fatal; err != nil {
		s.state.mu.Unlock()
		return "", err
	}
	if s.state.invalidateLocked(rejected) {
		s.logger.Info("access token rejected by hosting API, discarding", zap.String("access_token", Fingerprint(rejected)))
	}
	if !force {
		if tok, ok := s.state.usableLocked(now, s.buffer); ok {
			s.state.mu.Unlock()
			return tok, nil
		}
	}
	if f := s.state.flight; f != nil {
		s.state.mu.Unlock()
		return s.join(ctx, f)
	}
	f := s.state.beginLocked()
	s.state.mu.Unlock()

	return s.run(ctx, f)
}

// join waits for f. After waitTimeout it starts a redundant refresh rather
// than block forever on a stuck exchange.
func (s *Supervisor) join(ctx context.Context, f *flight) (string, error) {
	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.token, f.err
	case <-ctx.Done():
		return "", &AuthError{Op: "wait_refresh", Kind: KindTransientNetwork, Message: "gave up waiting for refresh", Err: ctx.Err()}
	case <-timer.C:
	}

	s.logger.Warn("in-flight refresh did not finish in time, starting another",
		zap.Duration("waited", s.waitTimeout),
		zap.Error(&AuthError{Op: "wait_refresh", Kind: KindConcurrencyTimeout, Message: "refresh wait timed out", Err: ErrConcurrencyTimeout}))

	s.state.mu.Lock()
	if err := s.state.fatal; err != nil {
		s.state.mu.Unlock()
		return "", err
	}
	if tok, ok := s.state.usableLocked(s.clock.Now(), s.buffer); ok {
		s.state.mu.Unlock()
		return tok, nil
	}
	if cur := s.state.flight; cur != nil && cur != f {
		// Another waiter already started the redundant refresh.
		s.state.mu.Unlock()
		return s.join(ctx, cur)
	}
	nf := s.state.beginLocked()
	s.state.mu.Unlock()

	return s.run(ctx, nf)
}

// run executes f and commits its outcome. The exchange is detached from the
// caller's cancellation because other callers may be waiting on it.
func (s *Supervisor) run(ctx context.Context, f *flight) (string, error) {
	s.logger.Debug("refreshing access token", zap.String("refresh_token", Fingerprint(f.submitted)))

	outcome := s.exchanger.Exchange(context.WithoutCancel(ctx), f.submitted)
	now := s.clock.Now()
	c := s.state.finish(f, outcome, now, s.buffer)

	switch o := outcome.(type) {
	case Success:
		s.logger.Info("access token refreshed",
			zap.String("source", o.Source),
			zap.Time("expires_at", now.Add(o.ExpiresIn)),
			zap.Bool("rotated", c.rotated))
		s.checkClaims(o, now)
		if c.rotated {
			s.syncRotated(o.RotatedRefreshToken)
		}
	case RetryableFailure:
		s.logger.Warn("access token refresh failed after retries", zap.Error(o.Err))
	case FatalFailure:
		if c.stale {
			s.logger.Info("ignoring rejection of a refresh token already rotated by a concurrent refresh", zap.Error(o.Err))
			break
		}
		fields := []zap.Field{zap.Error(o.Err), zap.Stringer("kind", KindOf(o.Err))}
		var ae *AuthError
		if errors.As(o.Err, &ae) {
			fields = append(fields, zap.String("remediation", ae.Remediation()))
		}
		s.logger.Error("credential is unusable, refusing further refreshes", fields...)
	}

	s.sampleDrift()
	return f.token, f.err
}

func (s *Supervisor) syncRotated(value string) {
	if s.syncer == nil {
		s.logger.Warn("refresh token rotated but no environment sync is configured; update it manually before the next start",
			zap.String("variable", s.syncKey),
			zap.String("new_refresh_token", value))
		return
	}

	s.syncWG.Add(1)
	go func() {
		defer s.syncWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), constants.EnvSyncTimeout)
		defer cancel()

		if err := s.syncer.Sync(ctx, s.syncKey, value); err != nil {
			s.logger.Warn("failed to sync rotated refresh token; update it manually before the next start",
				zap.String("syncer", s.syncer.Name()),
				zap.String("variable", s.syncKey),
				zap.String("new_refresh_token", value),
				zap.Error(err))
			return
		}
		s.logger.Info("rotated refresh token synced",
			zap.String("syncer", s.syncer.Name()),
			zap.String("variable", s.syncKey))
	}()
}

// checkClaims compares a JWT's own expiry with the one computed locally.
// A mismatch usually means the local clock is off.
func (s *Supervisor) checkClaims(o Success, now time.Time) {
	claims, ok := InspectAccessToken(o.AccessToken)
	if !ok || claims.ExpiresAt.IsZero() {
		return
	}
	diff := claims.ExpiresAt.Sub(now.Add(o.ExpiresIn))
	if diff < 0 {
		diff = -diff
	}
	if diff > constants.ClaimsMismatchTolerance {
		s.mu.Lock()
		drift := s.lastDrift
		s.mu.Unlock()
		s.logger.Warn("access token exp claim disagrees with expires_in",
			zap.Time("claim_expires_at", claims.ExpiresAt),
			zap.Time("computed_expires_at", now.Add(o.ExpiresIn)),
			zap.Duration("clock_drift", drift.Drift))
	}
}

func (s *Supervisor) sampleDrift() {
	if s.drift == nil {
		return
	}
	result := s.drift.Sample(s.driftThreshold)
	s.mu.Lock()
	s.lastDrift = result
	s.mu.Unlock()
	if result.HasDrift {
		s.logger.Warn("wall clock drift detected; expiry decisions may be off",
			zap.Duration("drift", result.Drift))
	}
}

// Wait blocks until background environment syncs have finished.
func (s *Supervisor) Wait() {
	s.syncWG.Wait()
}

// Status represents the current credential status.
type Status struct {
	Phase           string        `json:"phase"`
	HasAccessToken  bool          `json:"hasAccessToken"`
	HasRefreshToken bool          `json:"hasRefreshToken"`
	RefreshInFlight bool          `json:"refreshInFlight,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	ExpiresIn       time.Duration `json:"expiresIn,omitempty"`
	Age             time.Duration `json:"age,omitempty"`
	Drift           time.Duration `json:"drift,omitempty"`
	Error           string        `json:"error,omitempty"`
	Remediation     string        `json:"remediation,omitempty"`
}

// Status reports the credential state without touching the network.
func (s *Supervisor) Status() *Status {
	snap := s.state.Snapshot()
	now := s.clock.Now()

	st := &Status{
		Phase:           snap.Phase.String(),
		HasAccessToken:  snap.AccessToken != "",
		HasRefreshToken: snap.RefreshToken != "",
		RefreshInFlight: snap.RefreshInFlight,
	}
	if !snap.ExpiresAt.IsZero() {
		st.ExpiresAt = snap.ExpiresAt
		st.ExpiresIn = snap.ExpiresAt.Sub(now)
	}
	if !snap.IssuedAt.IsZero() {
		st.Age = now.Sub(snap.IssuedAt)
	}

	s.mu.Lock()
	st.Drift = s.lastDrift.Drift
	s.mu.Unlock()

	err := snap.Fatal
	if err == nil {
		err = snap.LastError
	}
	if err != nil {
		st.Error = err.Error()
		var ae *AuthError
		if errors.As(err, &ae) {
			st.Remediation = ae.Remediation()
		}
	}
	return st
}
