package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

const staffClaimsKey = "staffClaims"

// StaffClaims はダッシュボード用JWTのクレームです
type StaffClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tracing はリクエストごとにX-Rayセグメントを作成します
func Tracing(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, seg := xray.BeginSegment(c.Request.Context(), name)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if seg == nil {
			return
		}
		if err := seg.AddAnnotation("path", c.FullPath()); err != nil {
			logger.GetLogger().WithError(err).Debug("failed to add path annotation")
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			seg.Close(fmt.Errorf("status %d", c.Writer.Status()))
			return
		}
		seg.Close(nil)
	}
}

// RequestLogger はリクエストをlogrusで出力します
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.GetLogger().WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}).Info("request completed")
	}
}

// Recovery はpanicを500のJSONレスポンスに変換します
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.GetLogger().WithField("panic", recovered).Error("request panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"details":   fmt.Sprint(recovered),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
}

// CronAuth はAuthorizationヘッダーのBearerトークンをCRON_SECRETと比較します
func CronAuth(secret string) gin.HandlerFunc {
	expected := []byte("Bearer " + secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if secret == "" || subtle.ConstantTimeCompare(got, expected) != 1 {
			logger.GetLogger().WithField("path", c.Request.URL.Path).Warn("unauthorized cron request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// StaffAuth はスタッフのJWTを検証します
func StaffAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseStaffToken(c.GetHeader("Authorization"), secret)
		if err != nil {
			logger.GetLogger().WithError(err).Debug("staff token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(staffClaimsKey, claims)
		c.Next()
	}
}

func parseStaffToken(header, secret string) (*StaffClaims, error) {
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" || secret == "" {
		return nil, model.ErrUnauthorized
	}

	claims := &StaffClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(model.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, model.ErrUnauthorized
	}
	if !model.IsStaffRole(claims.Role) {
		return nil, fmt.Errorf("%w: role %q", model.ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

// StaffFromContext は認証済みスタッフのクレームを返します
func StaffFromContext(c *gin.Context) (*StaffClaims, bool) {
	v, ok := c.Get(staffClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*StaffClaims)
	return claims, ok
}
