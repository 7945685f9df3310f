package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SignDevToken returns an HS256 token for userID accepted by
// NewSharedSecretAuth(secret).
func SignDevToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret must be set")
	}
	if userID == "" {
		return "", errors.New("user id must be set")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
