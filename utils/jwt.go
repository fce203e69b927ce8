package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

// Roles carried in access tokens.
const (
	RoleClient  = "client"
	RoleBuilder = "builder"
	RoleAdmin   = "admin"
)

// TokenClaims is what the API needs to know about a caller.
type TokenClaims struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the caller holds role.
func (c TokenClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GenerateToken creates a signed JWT for subject. The token expires after duration.
func GenerateToken(secret []byte, subject, email string, roles []string, duration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"roles": roles,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(duration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a token string and returns the token if valid.
func ValidateToken(secret []byte, tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Ensure that the token's signing method is HMAC.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
}

// ParseClaims validates tokenString and extracts the subject and roles.
func ParseClaims(secret []byte, tokenString string) (TokenClaims, error) {
	token, err := ValidateToken(secret, tokenString)
	if err != nil {
		return TokenClaims{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return TokenClaims{}, errors.New("invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return TokenClaims{}, errors.New("token does not contain a valid 'sub' claim")
	}
	out := TokenClaims{Subject: sub}
	out.Email, _ = claims["email"].(string)
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				out.Roles = append(out.Roles, s)
			}
		}
	}
	return out, nil
}
