package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs an HS256 JWT for the given identity, valid for ttl.
// This stands in for the external token service in deployments that do
// not run one.
func IssueToken(secret, userID, displayName, frequency string, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		UserID:      userID,
		DisplayName: displayName,
		Frequency:   frequency,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
