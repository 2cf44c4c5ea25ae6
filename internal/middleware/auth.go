package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by Auth
const (
	ContextUserID    = "user_id"
	ContextUserRoles = "user_roles"
	ContextIsAdmin   = "is_admin"
)

// Claims are the bearer token claims the service understands. The user id is the subject.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures Auth
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string
	// AllowHeaderIdentity accepts X-User-ID / X-User-Roles, for use behind a
	// gateway that has already authenticated the caller.
	AllowHeaderIdentity bool
	AdminRole           string
}

// Auth resolves the caller's identity from a bearer token or gateway headers
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, roles, err := identify(c, cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextUserRoles, roles)
		c.Set(ContextIsAdmin, cfg.AdminRole != "" && hasRole(roles, cfg.AdminRole))
		c.Next()
	}
}

func identify(c *gin.Context, cfg AuthConfig) (string, []string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		if cfg.JWTSecret == "" {
			return "", nil, errors.New("bearer authentication is not configured")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", nil, errors.New("authorization header must be a bearer token")
		}
		claims, err := ParseToken(token, cfg.JWTSecret)
		if err != nil {
			return "", nil, errors.New("invalid or expired token")
		}
		if claims.Subject == "" {
			return "", nil, errors.New("token has no subject")
		}
		return claims.Subject, claims.Roles, nil
	}

	if cfg.AllowHeaderIdentity {
		if userID := strings.TrimSpace(c.GetHeader("X-User-ID")); userID != "" {
			return userID, splitRoles(c.GetHeader("X-User-Roles")), nil
		}
	}

	return "", nil, errors.New("authentication required")
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// IssueToken signs an HS256 token for userID. Used by tooling and tests.
func IssueToken(secret, userID string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Roles: roles, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}

// RequireAdmin aborts with 403 unless Auth marked the caller as an admin
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// UserRoles returns the roles carried by the caller's credentials
func UserRoles(c *gin.Context) []string {
	return c.GetStringSlice(ContextUserRoles)
}

// IsAdmin reports whether the caller holds the admin role
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextIsAdmin)
}

func splitRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
