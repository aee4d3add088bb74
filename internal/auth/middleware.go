package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// RequireAdmin validates the bearer token and requires the admin role.
func RequireAdmin(tokens *Tokens) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
			}

			claims, err := tokens.Verify(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}
			if claims.Role != RoleAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "Admin role required")
			}

			c.Set(string(ClaimsKey), claims)
			return next(c)
		}
	}
}

// ClaimsFromContext returns the verified claims, or nil outside RequireAdmin.
func ClaimsFromContext(c echo.Context) *Claims {
	claims, _ := c.Get(string(ClaimsKey)).(*Claims)
	return claims
}
