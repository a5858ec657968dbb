package jwt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	tok, err := GenerateAccessToken(7, "somchai", "OWNER", "secret", 15)
	require.NoError(t, err)

	claims, err := ValidateAccessToken(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "somchai", claims.Username)
	assert.Equal(t, "7", claims.Subject)
}

func TestAccessToken_WrongSecret(t *testing.T) {
	tok, err := GenerateAccessToken(7, "somchai", "OWNER", "secret", 15)
	require.NoError(t, err)

	_, err = ValidateAccessToken(tok, "other")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAccessToken_Expired(t *testing.T) {
	tok, err := GenerateAccessToken(7, "somchai", "OWNER", "secret", -1)
	require.NoError(t, err)

	_, err = ValidateAccessToken(tok, "secret")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken_RoundTrip(t *testing.T) {
	tok, err := GenerateRefreshToken(3, "tid-1", "refresh", 7)
	require.NoError(t, err)

	claims, err := ValidateRefreshToken(tok, "refresh")
	require.NoError(t, err)
	assert.Equal(t, uint(3), claims.UserID)
	assert.Equal(t, "tid-1", claims.TokenID)
}
