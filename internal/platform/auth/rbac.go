package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin        = "admin"
	RoleRegistration = "registration"
	RoleNursing      = "nursing"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(RolesFromContext(c.Request().Context()), roles) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func hasAnyRole(userRoles, required []string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}

// RequireOPDAccess limits nursing staff to the clinics listed in their token.
// The clinic code is read from the named route parameter.
func RequireOPDAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			code := c.Param(param)
			if CanAccessOPD(RolesFromContext(ctx), OPDsFromContext(ctx), code) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("no access to OPD %q", code))
		}
	}
}

// CanAccessOPD reports whether a user with roles and opds may act on code.
func CanAccessOPD(roles, opds []string, code string) bool {
	for _, r := range roles {
		if r == RoleAdmin {
			return true
		}
	}
	if !hasAnyRole(roles, []string{RoleNursing}) {
		return false
	}
	for _, o := range opds {
		if o == "*" || strings.EqualFold(o, code) {
			return true
		}
	}
	return false
}
