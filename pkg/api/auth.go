package api

import (
	echo "github.com/labstack/echo/v5"
)

// extractUser returns the requesting user's identity from proxy headers.
//
// The API sits behind an authenticating proxy (e.g. oauth2-proxy) that
// injects the identity; nothing here performs authentication itself.
// Falls back to "api-client" for direct programmatic access.
func extractUser(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
