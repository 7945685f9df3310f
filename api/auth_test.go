package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerTokenFromStringSuccess(t *testing.T) {
	for _, raw := range []string{"Bearer header.payload.signature", "header.payload.signature", "  Bearer header.payload.signature  "} {
		token, err := bearerTokenFromString(raw)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", raw, err)
		}
		if string(token) != "header.payload.signature" {
			t.Fatalf("%q: unexpected token content: %s", raw, string(token))
		}
	}
}

func TestBearerTokenFromStringMissing(t *testing.T) {
	if _, err := bearerTokenFromString("   "); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenFromStringMalformed(t *testing.T) {
	for _, raw := range []string{
		"Bearer " + strings.Repeat(".", 1000),
		"Bearer a.b",
		"Bearer a.b c.d",
		"Bearer ",
	} {
		if _, err := bearerTokenFromString(raw); err != errBadAuthorization {
			t.Fatalf("%q: expected bad auth header error, got %v", raw, err)
		}
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})

	auth := NewSharedSecretAuth(secret)
	userID, err := auth.UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerFallsBackToIDClaim(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"id":  "u2",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})

	userID, err := NewSharedSecretAuth(secret).UserIDFromBearer([]byte(signed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "u2" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewSharedSecretAuth(secret)

	cases := map[string]string{
		"expired": signHS256(t, secret, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"wrong secret": signHS256(t, []byte("other"), jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}),
		"no subject": signHS256(t, secret, jwt.MapClaims{
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}),
		"no expiry": signHS256(t, secret, jwt.MapClaims{
			"sub": "u1",
		}),
	}
	for name, token := range cases {
		if _, err := auth.UserIDFromBearer([]byte(token)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestUserIDFromBearerChecksAudienceAndIssuer(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewSharedSecretAuth(secret)
	auth.Audience = "api://aud"
	auth.Issuer = "https://issuer/"

	good := signHS256(t, secret, jwt.MapClaims{
		"sub": "u1",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})
	if _, err := auth.UserIDFromBearer([]byte(good)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := signHS256(t, secret, jwt.MapClaims{
		"sub": "u1",
		"aud": "api://other",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})
	if _, err := auth.UserIDFromBearer([]byte(bad)); err == nil || err.Error() != "invalid audience" {
		t.Fatalf("expected invalid audience, got %v", err)
	}
}

func TestKeyForTokenWithoutJWKS(t *testing.T) {
	auth := &Auth{}
	if _, err := auth.keyForToken(&jwt.Token{Header: map[string]any{"kid": "k1"}}); err == nil {
		t.Fatal("expected error without jwks")
	}
}

func TestSignDevToken(t *testing.T) {
	secret := []byte("dev-secret")
	token, err := SignDevToken(secret, "u3", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, err := NewSharedSecretAuth(secret).UserIDFromAuthHeader(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "u3" {
		t.Fatalf("unexpected user id: %s", userID)
	}
	if _, err := SignDevToken(nil, "u3", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := SignDevToken(secret, "", time.Minute); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
