// Package security implements operator authentication: session tokens and
// password verification.
package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// operatorSubject marks operator session tokens.
const operatorSubject = "operator"

// OperatorClaims are the JWT claims carried by operator sessions.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// MintOperatorToken issues a signed operator session token.
func MintOperatorToken(secret string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("security: empty jwt secret")
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, errSign := token.SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign token: %w", errSign)
	}
	return signed, nil
}

// ParseOperatorToken validates a session token and returns its claims.
func ParseOperatorToken(secret, tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, errParse := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if errParse != nil {
		return nil, errParse
	}
	if !token.Valid || claims.Subject != operatorSubject {
		return nil, fmt.Errorf("security: invalid token")
	}
	return claims, nil
}
