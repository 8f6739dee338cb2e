package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// CorsMiddleware lets browser-hosted readers call the hub.
func CorsMiddleware(c rweb.Context) error {
	c.Response().SetHeader("Access-Control-Allow-Origin", "*")
	c.Response().SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Response().SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")

	if c.Request().Method() == "OPTIONS" {
		c.SetStatus(http.StatusOK)
		return nil
	}
	return c.Next()
}

// accountKey holds the authenticated account name in the request context.
const accountKey = "account"

// JWTAuthMiddleware resolves the bearer token to an account. Requests
// without a valid token continue anonymously; document handlers reject them.
func (h *Hub) JWTAuthMiddleware(c rweb.Context) error {
	bearer, ok := strings.CutPrefix(c.Request().Header("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		return c.Next()
	}
	claims, err := h.ValidateToken(bearer)
	if err != nil {
		logger.Debug("Rejected bearer token", "path", c.Request().Path(), "error", err.Error())
		return c.Next()
	}
	c.Set(accountKey, claims.Username)
	return c.Next()
}

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(c rweb.Context) error {
	start := time.Now()
	err := c.Next()
	logger.Debug("Request completed",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

// currentUser returns the authenticated account, "" when anonymous.
func currentUser(c rweb.Context) string {
	name, _ := c.Get(accountKey).(string)
	return name
}
