package queue

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(
		auth.RoleReception, auth.RoleNurse, auth.RoleDoctor,
		auth.RolePharmacist, auth.RoleCashier,
	))
	staff.GET("/queues", h.List)
	staff.GET("/queues/:id", h.Get)
	staff.POST("/queues", h.Create)
	staff.PUT("/queues/:id/serve", h.transition(ActionServe))
	staff.PUT("/queues/:id/complete", h.transition(ActionComplete))
	staff.PUT("/queues/:id/cancel", h.transition(ActionCancel))
}

// Create queues a patient manually, e.g. a referral to the laboratory.
// Responds 201 for a new entry and 200 when the patient was already queued.
func (h *Handler) Create(c echo.Context) error {
	var req NewEntry
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	entry, created, err := h.svc.CreateIfAbsent(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if created {
		return c.JSON(http.StatusCreated, entry)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entry, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// List serves the queue board: ?service_point=&status=&patient_id=&date=.
// date defaults to today; date=all lifts the day filter.
func (h *Handler) List(c echo.Context) error {
	f := Filter{
		ServicePoint: ServicePoint(c.QueryParam("service_point")),
		Status:       Status(c.QueryParam("status")),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = pid
	}
	switch d := c.QueryParam("date"); d {
	case "":
		f.Date = h.svc.seq.Today()
	case "all":
	default:
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = day
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) transition(action Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		var req transitionRequest
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
			}
		}
		entry, err := h.svc.Transition(c.Request().Context(), id, action, req.Reason)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, entry)
	}
}
