package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// Identity headers. The service sits behind an authenticating proxy that
// asserts the caller's email; the space header selects a named corpus.
const (
	headerUserEmail = "X-User-Email"
	headerSpace     = "X-Space"
	defaultSpace    = "default"
)

// tenantMiddleware resolves the caller to (user, space) and installs the
// scope on the request context. No email means no access.
func (s *Server) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		email := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(headerUserEmail)))
		if email == "" || !strings.Contains(email, "@") {
			return c.JSON(http.StatusForbidden, errorResponse{
				Error: "missing or invalid " + headerUserEmail + " header",
				Kind:  "forbidden",
			})
		}

		user, err := s.deps.Store.EnsureUser(ctx, email)
		if err != nil {
			s.log.Error(ctx, "user resolution failed", zap.String("email", email), zap.Error(err))
			return writeError(c, err)
		}

		spaceName := strings.TrimSpace(c.Request().Header.Get(headerSpace))
		if spaceName == "" {
			spaceName = defaultSpace
		}
		space, err := s.deps.Store.EnsureSpace(ctx, user.ID, spaceName)
		if err != nil {
			s.log.Error(ctx, "space resolution failed", zap.String("space", spaceName), zap.Error(err))
			return writeError(c, err)
		}

		scoped := tenant.NewContext(ctx, &tenant.Info{
			UserID:  user.ID,
			SpaceID: space.ID,
			Email:   email,
		})
		c.SetRequest(c.Request().WithContext(scoped))
		return next(c)
	}
}
