package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/models"
)

// Claims is the payload inside every JWT token.
//
// Tokens are ISSUED elsewhere (the storefront's identity provider); this
// service only validates them. All we need from the provider is who is
// connecting (IdentityID) and what they are (Role) — the chat engine
// never looks at passwords or sessions.
type Claims struct {
	IdentityID uuid.UUID   `json:"identity_id"`
	Role       models.Role `json:"role"`
	Name       string      `json:"name,omitempty"`
	Email      string      `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for a given identity.
//
// Kept even though issuance is external: tests and local development need
// a way to mint tokens the middleware will accept.
//
// Why HS256 (HMAC-SHA256)?
//   - Simple: one shared secret, no public/private key pair needed.
//   - Fast: symmetric crypto is faster than RSA/ECDSA.
//   - Fine while a single secret is shared with the identity provider.
//     If more services needed to verify but not issue, we'd move to RS256.
func GenerateToken(identityID uuid.UUID, role models.Role, name, email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		IdentityID: identityID,
		Role:       role,
		Name:       name,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "storechat",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a JWT string and extracts the claims.
//
// It verifies:
//  1. The signature matches our secret (not tampered with).
//  2. The token hasn't expired (ExpiresAt is in the future).
//  3. The signing method is HMAC (prevents algorithm-switching attacks).
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			// Called BEFORE signature verification. If someone sends a
			// token signed with "none" or RSA, reject immediately — the
			// classic JWT algorithm-confusion attack.
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	switch claims.Role {
	case models.RoleCustomer, models.RoleAgent, models.RoleSupervisor:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}

	return claims, nil
}
