package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_VerifySecret(t *testing.T) {
	t.Run("should accept the configured secret", func(t *testing.T) {
		auth := NewAuthHandler("test-secret")
		assert.True(t, auth.VerifySecret("test-secret"))
	})

	t.Run("should reject other secrets", func(t *testing.T) {
		auth := NewAuthHandler("test-secret")
		assert.False(t, auth.VerifySecret("wrong"))
		assert.False(t, auth.VerifySecret(""))
	})

	t.Run("should accept anything without a configured secret", func(t *testing.T) {
		auth := NewAuthHandler("")
		assert.True(t, auth.VerifySecret(""))
		assert.True(t, auth.VerifySecret("whatever"))
	})
}

func TestAuthHandler_StreamTokens(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should verify an issued token", func(t *testing.T) {
		token, expiry, err := auth.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)
		assert.Len(t, strings.Split(token, "."), 3)
		assert.WithinDuration(t, time.Now().Add(time.Minute), expiry, 2*time.Second)

		assert.NoError(t, auth.VerifyStreamToken("s1", token))
	})

	t.Run("should issue unique tokens", func(t *testing.T) {
		a, _, err := auth.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)
		b, _, err := auth.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("should bind the token to its session", func(t *testing.T) {
		token, _, err := auth.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)

		err = auth.VerifyStreamToken("s2", token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "another session")
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		other := NewAuthHandler("other-secret")
		token, _, err := other.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)

		err = auth.VerifyStreamToken("s1", token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature")
	})

	t.Run("should sign without a shared secret", func(t *testing.T) {
		open := NewAuthHandler("")
		token, _, err := open.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)

		assert.NoError(t, open.VerifyStreamToken("s1", token))
		assert.Error(t, NewAuthHandler("").VerifyStreamToken("s1", token), "keys differ per handler")
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		clock := NewAuthHandler("test-secret")
		now := time.Now()
		clock.now = func() time.Time { return now }

		token, _, err := clock.IssueStreamToken("s1", time.Second)
		require.NoError(t, err)

		clock.now = func() time.Time { return now.Add(5 * time.Second) }
		err = clock.VerifyStreamToken("s1", token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("should reject malformed tokens", func(t *testing.T) {
		for _, token := range []string{"", "abc", "a.b", "a.b.c.d"} {
			assert.Error(t, auth.VerifyStreamToken("s1", token), token)
		}
	})

	t.Run("should reject a tampered payload", func(t *testing.T) {
		token, _, err := auth.IssueStreamToken("s1", time.Minute)
		require.NoError(t, err)

		forged, _, err := auth.IssueStreamToken("s1", time.Hour)
		require.NoError(t, err)

		parts := strings.Split(token, ".")
		parts[1] = strings.Split(forged, ".")[1]
		parts[2] = strings.Split(token, ".")[2]
		assert.Error(t, auth.VerifyStreamToken("s1", strings.Join(parts, ".")))
	})
}
