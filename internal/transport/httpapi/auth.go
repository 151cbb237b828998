package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errSenderMismatch = errors.New("sender_id mismatch")

// backendClaims are carried by tokens the messaging backend signs with the
// shared api key.
type backendClaims struct {
	jwt.RegisteredClaims
	SenderID string `json:"sender_id"`
}

// IssueBackendToken signs a push token for auth. Backends that cannot send
// the raw key use it; tests use it too.
func IssueBackendToken(auth BackendAuth, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := backendClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SenderID: auth.SenderID,
	}
	if auth.ProjectID != "" {
		claims.Audience = jwt.ClaimStrings{auth.ProjectID}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.APIKey))
}

func verifyBackendToken(raw string, auth BackendAuth) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if auth.ProjectID != "" {
		opts = append(opts, jwt.WithAudience(auth.ProjectID))
	}
	claims := &backendClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(auth.APIKey), nil
	}, opts...)
	if err != nil {
		return err
	}
	if auth.SenderID != "" && claims.SenderID != auth.SenderID {
		return errSenderMismatch
	}
	return nil
}

// backendAuth accepts "key=<api_key>" or "Bearer <jwt>". An empty api key
// leaves the route open.
func backendAuth(current func() BackendAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := current()
		if auth.APIKey == "" {
			c.Next()
			return
		}
		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if key, ok := strings.CutPrefix(h, "key="); ok {
			if subtle.ConstantTimeCompare([]byte(key), []byte(auth.APIKey)) == 1 {
				c.Next()
				return
			}
		} else if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			err := verifyBackendToken(strings.TrimSpace(tok), auth)
			if err == nil {
				c.Next()
				return
			}
			_ = c.Error(err)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// bearer guards a route with a static token given as "Authorization:
// Bearer <token>" or "?token=". An empty token leaves the route open.
func bearer(current func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimSpace(current())
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
