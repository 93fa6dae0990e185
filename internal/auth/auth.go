package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Khels/WebChat/internal/models"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
)

const userKey = "user"

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// BearerToken 从 Authorization 头中取出 bearer token，缺失时返回空串。
func BearerToken(authz string) string {
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

// RequireUser 校验 access token 并把当前用户放入 gin 上下文。
func RequireUser(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.Header("WWW-Authenticate", "Bearer")
			abort(c, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		user, _, err := store.Validate(c.Request.Context(), tokenStr, models.TokenAccess)
		switch {
		case errors.Is(err, ErrTokenExpired):
			c.Header("WWW-Authenticate", "Bearer")
			abort(c, http.StatusUnauthorized, "token_expired", err.Error())
			return
		case errors.Is(err, ErrInvalidToken):
			c.Header("WWW-Authenticate", "Bearer")
			abort(c, http.StatusUnauthorized, "invalid_token", "could not validate credentials")
			return
		case err != nil:
			_ = c.Error(err)
			abort(c, http.StatusInternalServerError, "internal_error", "an internal error occurred")
			return
		}
		if !user.IsActive {
			abort(c, http.StatusBadRequest, "inactive_user", "inactive user")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "detail": detail}})
}

// CurrentUser 返回 RequireUser 放入上下文的用户。
func CurrentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok2 := v.(*models.User); ok2 {
			return u
		}
	}
	return nil
}

func GetUserID(c *gin.Context) uint {
	if u := CurrentUser(c); u != nil {
		return u.ID
	}
	return 0
}
