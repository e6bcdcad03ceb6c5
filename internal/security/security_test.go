package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	token, err := IssueSessionToken("s3cret", "user-42", time.Minute)
	require.NoError(t, err)

	claims, err := ParseSessionToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Identity())

	_, err = ParseSessionToken(token, "other")
	assert.Error(t, err)
	_, err = ParseSessionToken(token, "")
	assert.Error(t, err)

	expired, err := IssueSessionToken("s3cret", "user-42", -time.Minute)
	require.NoError(t, err)
	_, err = ParseSessionToken(expired, "s3cret")
	assert.Error(t, err)
}

func TestDownloadSigner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewDownloadSigner("k")
	s.now = func() time.Time { return now }

	expires, sig := s.Sign("job-1", "iphone", time.Hour)
	assert.NoError(t, s.Verify("job-1", "iphone", expires, sig))
	assert.ErrorIs(t, s.Verify("job-1", "desktop", expires, sig), ErrSignatureInvalid)
	assert.ErrorIs(t, s.Verify("job-2", "iphone", expires, sig), ErrSignatureInvalid)
	assert.ErrorIs(t, s.Verify("job-1", "iphone", "1700009999", sig), ErrSignatureInvalid)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.ErrorIs(t, s.Verify("job-1", "iphone", expires, sig), ErrSignatureExpired)

	unsigned := NewDownloadSigner("")
	assert.ErrorIs(t, unsigned.Verify("job-1", "iphone", expires, sig), ErrSignatureInvalid)
}
