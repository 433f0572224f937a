package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/widget-chat/internal/common"
)

const UserIDKey = "user_id"

// SignUserToken issues the session JWT that AuthRequired accepts. Login lives
// outside this service; the helper is used by tooling and tests.
func SignUserToken(secret string, userID uint64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthRequired validates the bearer JWT and stores the user id (uint64) under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			common.AbortFail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}

		claims := &jwt.RegisteredClaims{}
		tok, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !tok.Valid {
			common.AbortFail(c, http.StatusUnauthorized, common.CodeInvalidToken, "invalid token")
			return
		}
		uid, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil || uid == 0 {
			common.AbortFail(c, http.StatusUnauthorized, common.CodeInvalidToken, "invalid token")
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}
