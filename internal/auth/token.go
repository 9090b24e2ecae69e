package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs an HS256 token carrying the subject and its role.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	switch role {
	case RoleViewer, RoleOperator, RoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
