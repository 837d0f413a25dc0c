package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestJWTVerifierAcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken(testSecret, "client1", "Tower", "118.700", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	info, err := v.Verify(context.Background(), "client1", token)
	require.NoError(t, err)
	assert.Equal(t, "Tower", info.DisplayName)
	assert.Equal(t, "118.700", info.Frequency)
}

func TestJWTVerifierDefaultsDisplayNameToID(t *testing.T) {
	token, err := IssueToken(testSecret, "client1", "", "", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	info, err := v.Verify(context.Background(), "client1", token)
	require.NoError(t, err)
	assert.Equal(t, "client1", info.DisplayName)
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("other-secret", "client1", "Tower", "", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	_, err = v.Verify(context.Background(), "client1", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsMismatchedID(t *testing.T) {
	token, err := IssueToken(testSecret, "client1", "Tower", "", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	_, err = v.Verify(context.Background(), "client2", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, "client1", "Tower", "", -time.Minute)
	require.NoError(t, err)

	v := NewJWTVerifier(testSecret)
	_, err = v.Verify(context.Background(), "client1", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsGarbage(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	_, err := v.Verify(context.Background(), "client1", "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"client1": "token1"}).
		WithUserInfo("client1", UserInfo{DisplayName: "Tower", Frequency: "118.700"})

	info, err := v.Verify(context.Background(), "client1", "token1")
	require.NoError(t, err)
	assert.Equal(t, "Tower", info.DisplayName)

	_, err = v.Verify(context.Background(), "client1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "unknown", "token1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
