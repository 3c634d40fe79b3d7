package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the route guards. admin passes every check.
const (
	RoleAdmin      = "admin"
	RoleReception  = "receptionist"
	RoleNurse      = "nurse"
	RoleDoctor     = "doctor"
	RolePharmacist = "pharmacist"
	RoleCashier    = "cashier"
	RoleBilling    = "billing_officer"
	RoleWardClerk  = "ward_clerk"
	RoleDispatcher = "dispatcher"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether granted contains admin or any of required.
func HasRole(granted []string, required ...string) bool {
	for _, has := range granted {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
