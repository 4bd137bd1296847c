// Package auth validates bearer tokens and carries the authenticated user
// through the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// UserClaims are the JWT claims we rely on
type UserClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Client validates HS256-signed tokens against a shared secret
type Client struct {
	secret []byte
}

// NewClient creates an auth client. The secret must not be empty.
func NewClient(secret string) (*Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret must not be empty")
	}
	return &Client{secret: []byte(secret)}, nil
}

// NewClientFromEnv builds the client from AUTH_JWT_SECRET
func NewClientFromEnv() (*Client, error) {
	return NewClient(os.Getenv("AUTH_JWT_SECRET"))
}

// ValidateToken parses and verifies a bearer token
func (c *Client) ValidateToken(tokenString string) (*UserClaims, error) {
	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token carries no subject")
	}

	return claims, nil
}

// ExtractTokenFromRequest pulls the bearer token from the Authorization header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	return strings.TrimPrefix(authHeader, "Bearer "), nil
}

type contextKey string

const userKey contextKey = "user"

// GetUserFromContext extracts the authenticated user's claims
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(userKey).(*UserClaims)
	return claims, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context for handlers
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := ExtractTokenFromRequest(r)
		if err != nil {
			writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := c.ValidateToken(tokenString)
		if err != nil {
			log.Warn().Err(err).Msg("JWT validation failed")

			errorMsg := "Invalid authentication token"
			if strings.Contains(err.Error(), "expired") {
				errorMsg = "Authentication token has expired"
			} else if strings.Contains(err.Error(), "signature") {
				errorMsg = "Invalid token signature"
				sentry.CaptureException(err)
			}

			writeAuthError(w, errorMsg, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"message": message,
		"code":    "UNAUTHORISED",
	})
}
