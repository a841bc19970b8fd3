package jwt

import (
	"context"
	"testing"
	"time"

	jwtpkg "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/notify/internal/port"
)

func TestAuthenticate_RoundTrip(t *testing.T) {
	a := New("secret", "platform", "notify")
	token, err := a.Issue("u1", time.Minute)
	require.NoError(t, err)

	userID, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestAuthenticate_Rejects(t *testing.T) {
	a := New("secret", "platform", "notify")
	expired, err := a.Issue("u1", -time.Hour)
	require.NoError(t, err)
	other, err := New("other-secret", "platform", "notify").Issue("u1", time.Minute)
	require.NoError(t, err)
	wrongAud, err := New("secret", "platform", "billing").Issue("u1", time.Minute)
	require.NoError(t, err)
	none, err := jwtpkg.NewWithClaims(jwtpkg.SigningMethodNone, jwtpkg.MapClaims{"sub": "u1"}).
		SignedString(jwtpkg.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":          "",
		"garbage":        "not-a-jwt",
		"expired":        expired,
		"wrong secret":   other,
		"wrong audience": wrongAud,
		"alg none":       none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, port.ErrUnauthenticated)
		})
	}
}

func TestAuthenticate_FallsBackToSubject(t *testing.T) {
	a := New("secret", "", "")
	token, err := jwtpkg.NewWithClaims(jwtpkg.SigningMethodHS256, jwtpkg.MapClaims{
		"sub": "u9",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u9", userID)
}
