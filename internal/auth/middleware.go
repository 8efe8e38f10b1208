package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "authCaller"

// FunctionKeyHeader carries the function-level key, as on Azure Functions.
const FunctionKeyHeader = "x-functions-key"

// Settings selects which credentials the relay accepts. With no field set
// every request is let through and authorization is left to the platform.
type Settings struct {
	FunctionKey string
	JWTSecret   string
	JWTAudience string
}

func (s Settings) enabled() bool {
	return s.FunctionKey != "" || s.JWTSecret != ""
}

// GetCaller retrieves the authenticated caller from context.
func GetCaller(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(callerKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// Middleware accepts a matching function key (header or `code` query
// parameter) or a valid HS256 bearer token.
func Middleware(settings Settings) gin.HandlerFunc {
	settings.FunctionKey = strings.TrimSpace(settings.FunctionKey)
	settings.JWTSecret = strings.TrimSpace(settings.JWTSecret)
	settings.JWTAudience = strings.TrimSpace(settings.JWTAudience)

	return func(c *gin.Context) {
		if !settings.enabled() {
			c.Next()
			return
		}

		if settings.FunctionKey != "" {
			if key := functionKey(c); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(settings.FunctionKey)) != 1 {
					unauthorized(c, "invalid function key")
					return
				}
				authorize(c, "function-key")
				return
			}
		}

		if settings.JWTSecret == "" {
			unauthorized(c, "function key required")
			return
		}

		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(settings.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if settings.JWTAudience != "" && !containsAudience(claims.Audience, settings.JWTAudience) {
			unauthorized(c, "invalid audience")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		authorize(c, claims.Subject)
	}
}

func functionKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(FunctionKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(c.Query("code"))
}

func authorize(c *gin.Context, caller string) {
	ctx := context.WithValue(c.Request.Context(), callerKey, caller)
	c.Request = c.Request.WithContext(ctx)
	c.Set(string(callerKey), caller)
	c.Next()
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
