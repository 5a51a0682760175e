package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier("s3cret", "identity")
	token, err := v.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "alice", id.Username)
	assert.False(t, id.ExpiresAt.IsZero())
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier("s3cret", "identity")
	good, err := v.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	expired := NewJWTVerifier("s3cret", "identity")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	wrongKey, err := NewJWTVerifier("other", "identity").Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewJWTVerifier("s3cret", "elsewhere").Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      old,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"tampered":     good + "x",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}
