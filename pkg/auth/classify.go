package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2 error codes from RFC 6749 section 5.2 that change classification.
const (
	errorCodeInvalidGrant       = "invalid_grant"
	errorCodeInvalidClient      = "invalid_client"
	errorCodeUnauthorizedClient = "unauthorized_client"
)

// classify turns a failed exchange into an *AuthError. It is the only place
// that inspects authority responses.
func classify(ctx context.Context, err error) *AuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == errorCodeInvalidGrant:
			return &AuthError{
				Op:      "refresh_token",
				Kind:    KindInvalidGrant,
				Message: describe("refresh token expired or already used", re),
				Err:     err,
			}
		case re.ErrorCode == errorCodeInvalidClient, re.ErrorCode == errorCodeUnauthorizedClient,
			re.ErrorCode == "" && status == http.StatusUnauthorized:
			return &AuthError{
				Op:      "refresh_token",
				Kind:    KindInvalidClient,
				Message: describe("client credentials rejected", re),
				Err:     err,
			}
		default:
			return &AuthError{
				Op:      "refresh_token",
				Kind:    KindTransientNetwork,
				Message: fmt.Sprintf("authority returned HTTP %d", status),
				Err:     err,
			}
		}
	}

	msg := "token exchange failed"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "token exchange timeout"
	}
	return &AuthError{
		Op:      "refresh_token",
		Kind:    KindTransientNetwork,
		Message: msg,
		Err:     err,
	}
}

func describe(prefix string, re *oauth2.RetrieveError) string {
	if re.ErrorDescription != "" {
		return prefix + ": " + re.ErrorDescription
	}
	return prefix
}
