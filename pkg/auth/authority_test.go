package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/d-kuro/episodepilot/pkg/fallback"
)

const (
	testClientID     = "client-id-0001"
	testClientSecret = "client-secret-0001"
	testRefreshR1    = "refresh-R1-000000"
)

// fakeAuthority is a refresh_token grant endpoint that enforces one-time
// use of rotated refresh tokens.
type fakeAuthority struct {
	mu          sync.Mutex
	valid       map[string]bool
	submitted   []string
	calls       int
	inFlight    int
	maxInFlight int

	rotate    bool
	expiresIn int
	hold      chan struct{}
	// respond handles call n itself when it returns true.
	respond func(n int, w http.ResponseWriter, r *http.Request) bool
}

func newFakeAuthority(t *testing.T, initial string) (*fakeAuthority, *httptest.Server) {
	t.Helper()
	a := &fakeAuthority{valid: map[string]bool{initial: true}, expiresIn: 3600}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	hold := a.hold
	respond := a.respond
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if respond != nil && respond(n, w, r) {
		return
	}

	rt := r.PostForm.Get("refresh_token")
	a.mu.Lock()
	a.submitted = append(a.submitted, rt)
	if !a.valid[rt] {
		a.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	resp := map[string]any{
		"access_token": fmt.Sprintf("A%d", n),
		"token_type":   "Bearer",
		"expires_in":   a.expiresIn,
	}
	if a.rotate {
		next := fmt.Sprintf("refresh-R%d-000000", len(a.submitted)+1)
		delete(a.valid, rt)
		a.valid[next] = true
		resp["refresh_token"] = next
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *fakeAuthority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAuthority) MaxInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight
}

func (a *fakeAuthority) Submitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submitted...)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": code + " from fake authority",
	})
}

// hang blocks until the client gives up on the request.
func hang(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func newTestExecutor(srv *httptest.Server, opts ...func(*ExecutorConfig)) *Executor {
	cfg := ExecutorConfig{
		ClientID:       testClientID,
		ClientSecret:   testClientSecret,
		TokenURL:       srv.URL + "/oauth2/token",
		HTTPClient:     srv.Client(),
		AttemptTimeout: 2 * time.Second,
		BaseDelay:      time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewExecutor(cfg)
}

// stubChannel is a hand-written SecondaryChannel.
type stubChannel struct {
	mu           sync.Mutex
	configured   bool
	healthy      bool
	token        *fallback.Token
	err          error
	healthCalls  int
	refreshCalls int
	forced       bool
}

func (s *stubChannel) IsConfigured() bool { return s.configured }

func (s *stubChannel) CheckHealth(_ context.Context) fallback.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCalls++
	if !s.healthy {
		return fallback.Health{Detail: "connection refused"}
	}
	return fallback.Health{Healthy: true, Detail: "ok"}
}

func (s *stubChannel) Refresh(_ context.Context, force bool) (*fallback.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	s.forced = force
	return s.token, s.err
}
