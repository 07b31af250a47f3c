package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-kuro/episodepilot/pkg/fallback"
)

func TestExchangeSuccessWithoutRotation(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	e := newTestExecutor(srv)

	outcome := e.Exchange(context.Background(), testRefreshR1)
	s, ok := outcome.(Success)
	require.True(t, ok, "got %#v", outcome)
	assert.Equal(t, "A1", s.AccessToken)
	assert.Equal(t, time.Hour, s.ExpiresIn)
	assert.Empty(t, s.RotatedRefreshToken)
	assert.Equal(t, SourcePrimary, s.Source)
	assert.Equal(t, 1, a.Calls())
}

func TestExchangeReportsRotation(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	a.rotate = true
	e := newTestExecutor(srv)

	s, ok := e.Exchange(context.Background(), testRefreshR1).(Success)
	require.True(t, ok)
	assert.Equal(t, "refresh-R2-000000", s.RotatedRefreshToken)

	// The submitted token is now burned.
	f, ok := e.Exchange(context.Background(), testRefreshR1).(FatalFailure)
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, ErrInvalidGrant)
}

func TestExchangeRejectsMalformedTokenWithoutNetwork(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "placeholder", token: "your_refresh_token"},
		{name: "too short", token: "R1"},
		{name: "control characters", token: "refresh-R1\n000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv := newFakeAuthority(t, testRefreshR1)
			e := newTestExecutor(srv)

			f, ok := e.Exchange(context.Background(), tt.token).(FatalFailure)
			require.True(t, ok)
			assert.ErrorIs(t, f.Err, ErrConfiguration)
			assert.Equal(t, 0, a.Calls())
		})
	}
}

func TestExchangeRejectsMissingClientConfig(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	e := newTestExecutor(srv, func(c *ExecutorConfig) { c.ClientSecret = "" })

	f, ok := e.Exchange(context.Background(), testRefreshR1).(FatalFailure)
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, ErrConfiguration)
	assert.Equal(t, 0, a.Calls())
}

func TestExchangeClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		wantKind  ErrorKind
		wantCalls int
	}{
		{name: "invalid grant is fatal", status: 400, code: "invalid_grant", wantKind: KindInvalidGrant, wantCalls: 1},
		{name: "invalid client is fatal", status: 401, code: "invalid_client", wantKind: KindInvalidClient, wantCalls: 1},
		{name: "unauthorized client is fatal", status: 400, code: "unauthorized_client", wantKind: KindInvalidClient, wantCalls: 1},
		{name: "bare 401 is fatal", status: 401, wantKind: KindInvalidClient, wantCalls: 1},
		{name: "server error is retried", status: 503, wantKind: KindTransientNetwork, wantCalls: 3},
		{name: "rate limit is retried", status: 429, code: "slow_down", wantKind: KindTransientNetwork, wantCalls: 3},
		{name: "unrecognized 4xx is retried", status: 400, code: "invalid_request", wantKind: KindTransientNetwork, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv := newFakeAuthority(t, testRefreshR1)
			a.respond = func(_ int, w http.ResponseWriter, _ *http.Request) bool {
				if tt.code == "" {
					w.WriteHeader(tt.status)
					return true
				}
				writeOAuthError(w, tt.status, tt.code)
				return true
			}
			e := newTestExecutor(srv)

			outcome := e.Exchange(context.Background(), testRefreshR1)
			var err error
			switch o := outcome.(type) {
			case FatalFailure:
				assert.True(t, tt.wantKind.Fatal())
				err = o.Err
			case RetryableFailure:
				assert.False(t, tt.wantKind.Fatal())
				err = o.Err
			default:
				t.Fatalf("unexpected outcome %#v", outcome)
			}
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantCalls, a.Calls())
		})
	}
}

func TestExchangeTimesOutTwiceThenSucceeds(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	a.respond = func(n int, _ http.ResponseWriter, r *http.Request) bool {
		if n <= 2 {
			hang(r)
			return true
		}
		return false
	}
	e := newTestExecutor(srv, func(c *ExecutorConfig) { c.AttemptTimeout = 100 * time.Millisecond })

	s, ok := e.Exchange(context.Background(), testRefreshR1).(Success)
	require.True(t, ok)
	assert.Equal(t, "A3", s.AccessToken)
	assert.Equal(t, 3, a.Calls())
}

func TestExchangeBackoffIsNonDecreasing(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	a.respond = func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusBadGateway)
		return true
	}

	base := 20 * time.Millisecond
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	e := newTestExecutor(srv, func(c *ExecutorConfig) {
		c.BaseDelay = base
		c.OnBackoff = func(_ int, d time.Duration) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		}
	})

	_, ok := e.Exchange(context.Background(), testRefreshR1).(RetryableFailure)
	require.True(t, ok)
	assert.Equal(t, 3, a.Calls())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	assert.InDelta(t, float64(base), float64(delays[0]), float64(base)*0.11)
	assert.InDelta(t, float64(2*base), float64(delays[1]), float64(2*base)*0.11)
}

func TestExchangeInvalidGrantFallback(t *testing.T) {
	tests := []struct {
		name             string
		channel          *stubChannel
		wantToken        string
		wantRefreshCalls int
	}{
		{
			name: "healthy channel supplies token",
			channel: &stubChannel{configured: true, healthy: true,
				token: &fallback.Token{AccessToken: "fallback-A1", ExpiresIn: 30 * time.Minute}},
			wantToken:        "fallback-A1",
			wantRefreshCalls: 1,
		},
		{
			name:             "unhealthy channel is skipped",
			channel:          &stubChannel{configured: true, healthy: false},
			wantRefreshCalls: 0,
		},
		{
			name:             "failing channel surfaces original error",
			channel:          &stubChannel{configured: true, healthy: true, err: errors.New("boom")},
			wantRefreshCalls: 1,
		},
		{
			name:             "unconfigured channel is ignored",
			channel:          &stubChannel{configured: false, healthy: true},
			wantRefreshCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv := newFakeAuthority(t, "refresh-other-000000")
			e := newTestExecutor(srv, func(c *ExecutorConfig) { c.Fallback = tt.channel })

			outcome := e.Exchange(context.Background(), testRefreshR1)
			assert.Equal(t, 1, a.Calls())
			assert.Equal(t, tt.wantRefreshCalls, tt.channel.refreshCalls)

			if tt.wantToken == "" {
				f, ok := outcome.(FatalFailure)
				require.True(t, ok)
				assert.ErrorIs(t, f.Err, ErrInvalidGrant)
				return
			}
			s, ok := outcome.(Success)
			require.True(t, ok)
			assert.Equal(t, tt.wantToken, s.AccessToken)
			assert.Equal(t, SourceFallback, s.Source)
			assert.True(t, tt.channel.forced)
		})
	}
}

func TestExchangeDoesNotUseFallbackForInvalidClient(t *testing.T) {
	a, srv := newFakeAuthority(t, testRefreshR1)
	ch := &stubChannel{configured: true, healthy: true, token: &fallback.Token{AccessToken: "fallback-A1"}}
	e := NewExecutor(ExecutorConfig{
		ClientID:     testClientID,
		ClientSecret: "wrong-secret-0001",
		TokenURL:     srv.URL,
		HTTPClient:   srv.Client(),
		BaseDelay:    time.Millisecond,
		Fallback:     ch,
	})

	f, ok := e.Exchange(context.Background(), testRefreshR1).(FatalFailure)
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, ErrInvalidClient)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 0, ch.healthCalls)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "***", Fingerprint("short"))
	assert.Equal(t, "refresh-...", Fingerprint(testRefreshR1))
}
