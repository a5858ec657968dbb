package middleware

import (
	"errors"
	"strings"

	"rentmeter/internal/adapters/http/handlers"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/jwt"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// accessTokenFrom reads the access token from the cookie, then the Authorization header
func accessTokenFrom(c *fiber.Ctx) string {
	if token := c.Cookies("access_token"); token != "" {
		return token
	}
	authHeader := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// Session authenticates the request and stores the caller's AuthContext.
// The account is reloaded on every request so role and room changes apply
// without waiting for the access token to expire.
func Session(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := accessTokenFrom(c)
		if accessToken == "" {
			return response.Unauthorized(c, "Access token required")
		}

		claims, err := authService.ValidateAccessToken(accessToken)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return response.Unauthorized(c, "Access token expired")
			}
			return response.Unauthorized(c, "Invalid access token")
		}

		user, err := authService.GetUserByID(c.UserContext(), claims.UserID)
		if err != nil {
			return response.Unauthorized(c, "Account not found")
		}
		if !user.IsActive {
			return response.Unauthorized(c, "Account is disabled")
		}

		c.Locals(handlers.LocalsAuth, user.AuthContext())
		c.SetUserContext(services.WithClientIP(c.UserContext(), c.IP()))

		return c.Next()
	}
}

// RequirePermission rejects callers that do not hold perm at account level.
// Room-scoped checks stay in the services.
func RequirePermission(perms ...authz.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth, ok := c.Locals(handlers.LocalsAuth).(authz.AuthContext)
		if !ok {
			return response.Unauthorized(c, "Unauthorized")
		}

		for _, perm := range perms {
			if authz.Check(auth, perm, "") {
				return c.Next()
			}
		}

		return response.Forbidden(c, "You don't have permission to access this resource")
	}
}
