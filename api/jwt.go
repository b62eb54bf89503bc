package api

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId    string
	Email     string
	ExpiresAt time.Time
}

// ParseByJwtUnverified extracts the claims the client cares about without
// verifying the signature. Verification happens server side; the client
// only needs the identity and the expiry to know when to refresh.
func ParseByJwtUnverified(byJwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	parsed := &ByJwt{}

	if userId, ok := claims["sub"].(string); ok {
		parsed.UserId = userId
	}
	if email, ok := claims["email"].(string); ok {
		parsed.Email = email
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		parsed.ExpiresAt = expiresAt.Time
	}

	return parsed, nil
}

// IsExpired applies a small margin so a token about to lapse is treated
// as already expired and refreshed before the next handshake.
func (self *ByJwt) IsExpired() bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(self.ExpiresAt.Add(-30 * time.Second))
}
