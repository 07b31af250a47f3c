package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectAccessToken(t *testing.T) {
	iat := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exp := iat.Add(time.Hour)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "show-42",
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("unrelated-key"))
	require.NoError(t, err)

	claims, ok := InspectAccessToken(signed)
	require.True(t, ok)
	assert.Equal(t, "show-42", claims.Subject)
	assert.True(t, claims.IssuedAt.Equal(iat))
	assert.True(t, claims.ExpiresAt.Equal(exp))
}

func TestInspectAccessTokenOpaque(t *testing.T) {
	for _, tok := range []string{"A1", "opaque.token", "a.b.c"} {
		_, ok := InspectAccessToken(tok)
		assert.False(t, ok, tok)
	}
}
