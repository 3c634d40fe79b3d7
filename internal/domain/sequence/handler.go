package sequence

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/auth"
)

type Handler struct {
	seq *Sequencer
}

func NewHandler(seq *Sequencer) *Handler {
	return &Handler{seq: seq}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/sequences/:scope", h.GetCounter)
}

// GetCounter reports the last value issued for a scope on a day
// (?date=YYYY-MM-DD, default today).
func (h *Handler) GetCounter(c echo.Context) error {
	scope := Scope(c.Param("scope"))
	if !scope.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown sequence scope")
	}
	day := h.seq.Today()
	if d := c.QueryParam("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		day = parsed
	}
	n, err := h.seq.repo.Current(c.Request().Context(), scope, day)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scope":      scope,
		"date":       day.Format("2006-01-02"),
		"last_value": n,
	})
}
