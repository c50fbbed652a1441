package transport

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSource_NilWithoutSecret(t *testing.T) {
	ts := NewTokenSource("", "notegen", "client", time.Minute)
	assert.Nil(t, ts)

	h := http.Header{}
	require.NoError(t, ts.Authorize(h))
	assert.Empty(t, h.Get("Authorization"))
}

func TestTokenSource_RoundTrip(t *testing.T) {
	ts := NewTokenSource("s3cret", "notegen", "client-1", time.Minute)
	h := http.Header{}
	require.NoError(t, ts.Authorize(h))

	claims, err := VerifyBearer(h.Get("Authorization"), "s3cret", "notegen")
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, "notegen", claims.Issuer)
}

func TestTokenSource_Reuse(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := NewTokenSource("s3cret", "notegen", "c", 4*time.Minute)
	ts.now = func() time.Time { return now }

	first, err := ts.Token()
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 剩余不足 1/4 有效期时重新签发
	now = now.Add(90 * time.Second)
	third, err := ts.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestVerifyBearer_Rejects(t *testing.T) {
	ts := NewTokenSource("s3cret", "notegen", "c", time.Minute)
	token, err := ts.Token()
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		secret string
		issuer string
	}{
		{"missing", "", "s3cret", ""},
		{"not bearer", "Basic abc", "s3cret", ""},
		{"wrong secret", "Bearer " + token, "other", ""},
		{"wrong issuer", "Bearer " + token, "s3cret", "someone-else"},
		{"garbage", "Bearer not.a.jwt", "s3cret", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyBearer(tt.header, tt.secret, tt.issuer)
			assert.True(t, errors.Is(err, ErrUnauthorized), "%v", err)
		})
	}
}
