// Package monitorauth gates the diagnostic monitor's websocket endpoint
// with a signed bearer token: an HMAC-signed check via golang-jwt/jwt
// rather than an unvalidated header stand-in. This protects only the
// loopback diagnostic side-channel; the air link itself carries no
// authentication.
package monitorauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the single claim set the monitor issues and checks: registered
// claims only (issued-at, expiry, issuer), with no role or scope, since
// there is exactly one access tier (read-only status viewer) for this
// side-channel.
type claims struct {
	jwt.RegisteredClaims
}

// Sign mints a bearer token valid for ttl, signed with secret. Operators
// run this once (via airbridge-monitor -issue-token) to hand a token to a
// ground-side viewer.
func Sign(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "airbridge-monitor",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(secret))
}

// Validate reports whether tokenString is a well-formed, unexpired token
// signed with secret.
func Validate(tokenString, secret string) error {
	if secret == "" {
		return fmt.Errorf("monitorauth: no secret configured")
	}
	tok, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("monitorauth: %w", err)
	}
	if !tok.Valid {
		return fmt.Errorf("monitorauth: invalid token")
	}
	return nil
}
