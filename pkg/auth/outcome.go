package auth

import "time"

// Token sources reported on Success.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// RefreshOutcome is the result of one Executor.Exchange call.
// It is one of Success, RetryableFailure or FatalFailure.
type RefreshOutcome interface {
	refreshOutcome()
}

// Success carries a freshly issued access token.
type Success struct {
	AccessToken string
	ExpiresIn   time.Duration
	// RotatedRefreshToken is set only when the authority returned a refresh
	// token different from the one submitted.
	RotatedRefreshToken string
	Source              string
}

// RetryableFailure means the retry budget was exhausted on transient errors.
type RetryableFailure struct {
	Err error
}

// FatalFailure means the credential or configuration is unusable.
type FatalFailure struct {
	Err error
}

func (Success) refreshOutcome()          {}
func (RetryableFailure) refreshOutcome() {}
func (FatalFailure) refreshOutcome()     {}
