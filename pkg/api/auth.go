package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/apiresponses"
	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/system"
)

const (
	AuthHeaderKey = "Authorization"
	// SubjectKey holds the verified token subject in the gin context.
	SubjectKey = "subject"
)

// AuthHandler verifies HS256 bearer tokens issued to calling services.
type AuthHandler struct {
	secret   []byte
	issuer   string
	audience string
	log      *zap.SugaredLogger
}

// NewAuth returns nil when no secret is configured, which disables auth.
func NewAuth(log *zap.SugaredLogger, cfg config.Auth) *AuthHandler {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &AuthHandler{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		log:      log.Named("auth"),
	}
}

func (a *AuthHandler) keyfunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return a.secret, nil
}

// Verify parses the raw token and returns its validated claims.
func (a *AuthHandler) Verify(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, a.keyfunc); err != nil {
		return nil, err
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, errors.New("token issuer mismatch")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, errors.New("token audience mismatch")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func (a *AuthHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		authHeader := c.GetHeader(AuthHeaderKey)
		// delete the header to avoid logging it by accident
		c.Request.Header.Del(AuthHeaderKey)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			apiresponses.RespondUnauthorizedWithMessage(c, "No Bearer token provided in Authorization header")
			return
		}

		claims, err := a.Verify(authHeader[len("Bearer "):])
		if err != nil {
			system.GetReqLogger(c, a.log).Debugw("Rejected bearer token", "error", err)
			apiresponses.RespondUnauthorizedWithMessage(c, "Invalid token")
			return
		}

		c.Set(SubjectKey, claims.Subject)
		if l := system.GetReqLogger(c, nil); l != nil {
			c.Set(system.ReqLoggerKey, system.EnrichReqLoggerWithAuth(c, l))
		}
		c.Next()
	}
}
