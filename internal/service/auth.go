package service

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const OTPHeader = "X-OTP-Code"

// AuthService guards the trigger endpoint with a shared secret and the
// operator API with TOTP codes.
type AuthService struct {
	logger        *zap.Logger
	triggerSecret string
	totpSecret    string
}

func NewAuthService(logger *zap.Logger, triggerSecret, totpSecret string) *AuthService {
	return &AuthService{
		logger:        logger,
		triggerSecret: triggerSecret,
		totpSecret:    totpSecret,
	}
}

// GenerateSecret creates a new TOTP secret and its provisioning URL.
func GenerateSecret(issuer, accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	return key.Secret(), key.URL(), nil
}

// ValidateTrigger compares the presented secret in constant time. An unset
// secret rejects everything.
func (a *AuthService) ValidateTrigger(presented string) bool {
	if a.triggerSecret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.triggerSecret)) == 1
}

func (a *AuthService) ValidateToken(token string) bool {
	if a.totpSecret == "" {
		return false
	}
	valid := totp.Validate(token, a.totpSecret)
	if !valid {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// TriggerMiddleware accepts the secret as "Authorization: Bearer <secret>" or
// as the "secret" query parameter.
func (a *AuthService) TriggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.Query("secret")
		}

		if !a.ValidateTrigger(presented) {
			a.logger.Warn("Rejected trigger request",
				zap.String("client_ip", c.ClientIP()),
				zap.String("method", c.Request.Method))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Next()
	}
}

// OperatorMiddleware requires a current TOTP code. Without a configured
// secret the operator API is disabled.
func (a *AuthService) OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.totpSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Operator API is disabled"})
			return
		}

		if !a.ValidateToken(c.GetHeader(OTPHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
