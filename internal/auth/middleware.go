package auth

import (
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"polychat/internal/apperr"
)

const (
	userIDContextKey = "auth_user_id"
	claimsContextKey = "auth_claims"
)

// Middleware verifies session tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.VerifyToken(s.extractToken(c))
		if err != nil {
			abort(c, apperr.Wrap(apperr.Unauthorized, apperr.SurfaceAuth, err))
			return
		}
		userID, err := s.ResolveUser(c.Request.Context(), claims)
		if err != nil {
			if e, ok := apperr.As(err); ok {
				abort(c, e)
				return
			}
			log.Printf("auth: resolve user %s: %v", claims.Subject, err)
			abort(c, apperr.Wrap(apperr.BadRequest, apperr.SurfaceDatabase, err))
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

func abort(c *gin.Context, e *apperr.Error) {
	c.AbortWithStatusJSON(e.StatusCode(), e.ToBody())
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// ClaimsFromContext retrieves the verified token claims captured by the middleware.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	val, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*Claims)
	return claims, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
