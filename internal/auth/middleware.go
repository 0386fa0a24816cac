package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by RequireUser.
const (
	ctxUserID = "classpilot_user_id"
	ctxToken  = "classpilot_token"
)

// credential is a token plus where it came from. Only cookie-sourced tokens
// go through CSRF verification; an explicit bearer header cannot be forged
// cross-site.
type credential struct {
	token      string
	fromCookie bool
}

func (s *Service) credential(c *gin.Context) credential {
	header := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return credential{token: strings.TrimSpace(header[len("bearer "):])}
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return credential{token: token, fromCookie: true}
	}
	return credential{}
}

// RequireUser validates the request's token and stores the user id and the
// raw token in the gin context. The token doubles as the per-page chat scope.
func (s *Service) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := s.credential(c)
		if cred.token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), cred.token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxToken, cred.token)
		c.Next()
	}
}

// VerifyCSRF enforces double-submit CSRF on mutating requests authenticated
// by the session cookie. Safe methods and bearer requests pass through.
func (s *Service) VerifyCSRF() gin.HandlerFunc {
	safe := map[string]bool{
		http.MethodGet:     true,
		http.MethodHead:    true,
		http.MethodOptions: true,
	}
	return func(c *gin.Context) {
		if safe[c.Request.Method] {
			c.Next()
			return
		}
		if cred := s.credential(c); !cred.fromCookie {
			c.Next()
			return
		}
		header := c.GetHeader(s.csrfHeaderName)
		cookie, err := c.Cookie(s.csrfCookieName)
		if err != nil || header == "" || header != cookie {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user id set by RequireUser.
func CurrentUserID(c *gin.Context) (int64, bool) {
	val, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := val.(int64)
	return id, ok
}

// CurrentToken returns the raw token RequireUser validated.
func CurrentToken(c *gin.Context) (string, bool) {
	val, ok := c.Get(ctxToken)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}
