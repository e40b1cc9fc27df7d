package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStudentTokenRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour)

	tok, err := auth.GenerateStudentToken(42)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, 42, claims.UserID)
	require.Equal(t, TokenTypeStudent, claims.TokenType)
	require.Equal(t, "42", claims.Subject)
}

func TestValidateTokenRejections(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour)

	other, err := NewAuthService("other-secret", time.Hour).GenerateStudentToken(1)
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	require.Error(t, err)

	expired, err := NewAuthService("test-secret", -time.Minute).GenerateStudentToken(1)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = auth.ValidateToken("not-a-token")
	require.Error(t, err)
}
