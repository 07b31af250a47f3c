// Package auth keeps the hosting platform's OAuth credential alive: it
// refreshes access tokens before they expire, follows one-time-use refresh
// token rotation, classifies authority failures and falls back to a
// secondary token channel when the refresh token has been burned.
package auth

import (
	"context"

	"github.com/d-kuro/episodepilot/pkg/envsync"
	"github.com/d-kuro/episodepilot/pkg/fallback"
)

// TokenProvider is what callers that need a bearer token depend on.
type TokenProvider interface {
	// AccessToken returns a token valid for at least the expiry buffer.
	AccessToken(ctx context.Context) (string, error)

	// RefreshAfterRejection discards rejected if it is still current and
	// returns a fresh token.
	RefreshAfterRejection(ctx context.Context, rejected string) (string, error)
}

// Exchanger performs one refresh exchange. *Executor implements it.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) RefreshOutcome
}

// SecondaryChannel is the alternate refresh path consulted after the
// authority rejects the grant. *fallback.Client implements it.
type SecondaryChannel interface {
	IsConfigured() bool
	CheckHealth(ctx context.Context) fallback.Health
	Refresh(ctx context.Context, forceRefresh bool) (*fallback.Token, error)
}

// Syncer persists a rotated refresh token outside the process.
type Syncer = envsync.Syncer

var (
	_ TokenProvider    = (*Supervisor)(nil)
	_ Exchanger        = (*Executor)(nil)
	_ SecondaryChannel = (*fallback.Client)(nil)
)
