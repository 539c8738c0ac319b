package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/subha-wp/trading-app/internal/dto"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

type AuthMiddleware struct {
	secretKey []byte
	issuer    string
	audience  string
	skipPaths map[string]bool
}

type Claims struct {
	UserID int    `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	SecretKey string
	Issuer    string
	Audience  string
	SkipPaths []string
}

func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return &AuthMiddleware{
		secretKey: []byte(config.SecretKey),
		issuer:    config.Issuer,
		audience:  config.Audience,
		skipPaths: skipPaths,
	}
}

func (a *AuthMiddleware) ValidateToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header", "AUTH_MISSING", "Authorization header is required")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortUnauthorized(c, "invalid authorization format", "AUTH_INVALID_FORMAT", "Authorization header must be in 'Bearer <token>' format")
			return
		}
		if tokenString == "" {
			abortUnauthorized(c, "empty token", "AUTH_EMPTY_TOKEN", "Token cannot be empty")
			return
		}

		claims, err := a.parseToken(tokenString)
		if err != nil {
			abortUnauthorized(c, "invalid token", "AUTH_INVALID_TOKEN", err.Error())
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set("user_role", claims.Role)
		c.Set("token_claims", claims)

		c.Next()
	}
}

func (a *AuthMiddleware) parseToken(tokenString string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		options = append(options, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return a.secretKey, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token has expired")
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid || claims.UserID <= 0 {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// UserID returns the authenticated user id set by ValidateToken.
func UserID(c *gin.Context) (int, bool) {
	value, exists := c.Get(ContextUserID)
	if !exists {
		return 0, false
	}
	userID, ok := value.(int)
	return userID, ok && userID > 0
}

func abortUnauthorized(c *gin.Context, err, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{
		Error:   err,
		Code:    code,
		Message: message,
	})
}
