// Package auth issues and checks the bearer tokens that guard the verifier's
// per-session read endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/ppah/horosafe"
)

// Issuer is set on every token and checked on validation.
const Issuer = "ppah-verifier"

var ErrInvalidToken = errors.New("auth: invalid token")

// GenerateToken signs a report token for sessionID valid for expiry.
// Returns an error if the secret is shorter than horosafe.MinSecretLen bytes.
func GenerateToken(secret []byte, sessionID string, expiry time.Duration) (string, error) {
	return generateAt(secret, sessionID, expiry, time.Now())
}

func generateAt(secret []byte, sessionID string, expiry time.Duration, now time.Time) (string, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if sessionID == "" {
		return "", errors.New("auth: empty session id")
	}
	claims := &ReportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		Scope: ScopeReport,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a report token.
// Strictly pins the signing method to HS256 to prevent algorithm confusion attacks.
func ValidateToken(secret []byte, tokenStr string) (*ReportClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ReportClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*ReportClaims)
	if !ok || !token.Valid || claims.Scope != ScopeReport || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
