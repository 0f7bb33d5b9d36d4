package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meshbridge/mesh-gateway/internal/config"
)

func newManager() *JWTManager {
	return NewJWTManager(&config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour, Issuer: "mesh-gateway"})
}

func TestTokenRoundTrip(t *testing.T) {
	m := newManager()
	token, expires, err := m.GenerateToken("admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Subject)
	assert.True(t, claims.IsAdmin)
}

func TestTokenRejected(t *testing.T) {
	m := newManager()
	token, _, err := m.GenerateToken("admin")
	require.NoError(t, err)

	other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Hour, Issuer: "mesh-gateway"})
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// 过期
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsNoneAlgorithm(t *testing.T) {
	m := newManager()
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateToken(s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifyPassword("s3cret", string(hash)))
	assert.False(t, VerifyPassword("wrong", string(hash)))
	assert.False(t, VerifyPassword("s3cret", "not-a-hash"))

	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("pw", h))
}
