package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "fallback-shared-secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:           srv.URL,
		Secret:        testSecret,
		AllowLoopback: true,
		HTTPClient:    srv.Client(),
		BaseDelay:     time.Millisecond,
	})
}

func TestIsConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{name: "empty", cfg: Config{}, want: false},
		{name: "missing secret", cfg: Config{URL: "https://tokens.internal.io"}, want: false},
		{name: "missing url", cfg: Config{Secret: testSecret}, want: false},
		{name: "placeholder secret", cfg: Config{URL: "https://tokens.internal.io", Secret: "your_secret"}, want: false},
		{name: "bad scheme", cfg: Config{URL: "ftp://tokens.internal.io", Secret: testSecret}, want: false},
		{name: "template host", cfg: Config{URL: "https://your-token-service.example.com", Secret: testSecret}, want: false},
		{name: "loopback outside development", cfg: Config{URL: "http://localhost:8080", Secret: testSecret}, want: false},
		{name: "loopback in development", cfg: Config{URL: "http://127.0.0.1:8080", Secret: testSecret, AllowLoopback: true}, want: true},
		{name: "valid", cfg: Config{URL: "https://tokens.internal.io", Secret: testSecret}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.cfg).IsConfigured())
		})
	}
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			assert.Equal(t, "Bearer "+testSecret, r.Header.Get("Authorization"))
			assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		h := c.CheckHealth(context.Background())
		assert.True(t, h.Healthy)
		assert.Equal(t, "ok", h.Detail)
	})

	t.Run("plain text body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("OK"))
		})
		assert.True(t, c.CheckHealth(context.Background()).Healthy)
	})

	t.Run("server error is unhealthy and not retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		h := c.CheckHealth(context.Background())
		assert.False(t, h.Healthy)
		assert.Contains(t, h.Detail, "503")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("not configured", func(t *testing.T) {
		h := New(Config{}).CheckHealth(context.Background())
		assert.False(t, h.Healthy)
		assert.NotEmpty(t, h.Detail)
	})
}

func TestRefresh(t *testing.T) {
	var gotForce bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/refresh", r.URL.Path)
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotForce = req.ForceRefresh
		_, _ = w.Write([]byte(`{"access_token":"fallback-access-1","expires_in":1800}`))
	})

	tok, err := c.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, gotForce)
	assert.Equal(t, "fallback-access-1", tok.AccessToken)
	assert.Equal(t, 30*time.Minute, tok.ExpiresIn)
	assert.Empty(t, tok.RefreshToken)
}

func TestRefreshDefaultsLifetime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"fallback-access-1"}`))
	})
	tok, err := c.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tok.ExpiresIn)
}

func TestRefreshRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   error
		wantCalls int32
	}{
		{name: "recovers after server errors", statuses: []int{500, 502, 200}, wantCalls: 3},
		{name: "gives up after three attempts", statuses: []int{500, 500, 500, 200}, wantCalls: 3},
		{name: "unauthorized is never retried", statuses: []int{401, 200}, wantErr: ErrUnauthorized, wantCalls: 1},
		{name: "client error is not retried", statuses: []int{400, 200}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[n-1]
				if status != http.StatusOK {
					w.WriteHeader(status)
					return
				}
				_, _ = w.Write([]byte(`{"access_token":"fallback-access-1","expires_in":3600}`))
			})

			tok, err := c.Refresh(context.Background(), true)
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.statuses[tt.wantCalls-1] == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, "fallback-access-1", tok.AccessToken)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"healthy":true,"has_token":true,"expires_at":"2024-05-01T10:00:00Z"}`))
	})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.True(t, st.HasToken)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), st.ExpiresAt.UTC())
}

func TestCallsRequireConfiguration(t *testing.T) {
	c := New(Config{URL: "https://tokens.internal.io"})
	_, err := c.Refresh(context.Background(), true)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
