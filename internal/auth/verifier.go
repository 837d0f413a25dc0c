package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a presented token does not verify
// for the claimed client id.
var ErrInvalidToken = errors.New("invalid token")

// UserInfo carries the verified attributes of a logged-in client.
type UserInfo struct {
	DisplayName string
	Frequency   string
}

// Verifier checks a login token for a client id. The flow that issues
// tokens (OAuth against the network provider in production) is outside
// this package; verification treats the token as opaque input.
type Verifier interface {
	Verify(ctx context.Context, id, token string) (UserInfo, error)
}

// JWTClaims represents the claims in the signaling JWT
type JWTClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Frequency   string `json:"frequency"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens issued by the token
// endpoint. The user_id claim must match the id presented at login.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, id, token string) (UserInfo, error) {
	parsed, err := jwt.ParseWithClaims(token, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*JWTClaims)
	if !ok || !parsed.Valid {
		return UserInfo{}, ErrInvalidToken
	}
	if claims.UserID != id {
		return UserInfo{}, fmt.Errorf("%w: token not issued for %q", ErrInvalidToken, id)
	}

	info := UserInfo{
		DisplayName: claims.DisplayName,
		Frequency:   claims.Frequency,
	}
	if info.DisplayName == "" {
		info.DisplayName = id
	}
	return info, nil
}

// StaticVerifier accepts a fixed id -> token table. Used by tests and
// local development setups that have no token endpoint.
type StaticVerifier struct {
	tokens map[string]string
	info   map[string]UserInfo
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{
		tokens: tokens,
		info:   make(map[string]UserInfo),
	}
}

// WithUserInfo overrides the identity attributes returned for id.
func (v *StaticVerifier) WithUserInfo(id string, info UserInfo) *StaticVerifier {
	v.info[id] = info
	return v
}

func (v *StaticVerifier) Verify(_ context.Context, id, token string) (UserInfo, error) {
	expected, ok := v.tokens[id]
	if !ok || expected != token {
		return UserInfo{}, ErrInvalidToken
	}
	if info, ok := v.info[id]; ok {
		return info, nil
	}
	return UserInfo{DisplayName: id}, nil
}
