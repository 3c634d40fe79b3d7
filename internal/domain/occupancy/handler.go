package occupancy

import (
	"net/http"

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
	inpatient := api.Group("/inpatient", auth.RequireRole(auth.RoleWardClerk, auth.RoleNurse, auth.RoleDoctor))
	inpatient.GET("/wards", h.ListWards)
	inpatient.GET("/beds", h.ListBeds)
	inpatient.GET("/admissions", h.ListAdmissions)
	inpatient.GET("/admissions/:id", h.GetAdmission)
	inpatient.POST("/admissions", h.CreateAdmission)
	inpatient.PUT("/admissions/:id", h.UpdateAdmission)

	wardAdmin := api.Group("/inpatient", auth.RequireRole(auth.RoleWardClerk))
	wardAdmin.POST("/wards", h.CreateWard)
	wardAdmin.DELETE("/wards/:id", h.DeleteWard)
	wardAdmin.POST("/beds", h.CreateBed)
	wardAdmin.DELETE("/beds/:id", h.DeleteBed)

	dispatch := api.Group("", auth.RequireRole(auth.RoleDispatcher))
	dispatch.GET("/ambulances", h.ListAmbulances)
	dispatch.POST("/ambulances", h.CreateAmbulance)
	dispatch.GET("/ambulance/trips", h.ListTrips)
	dispatch.GET("/ambulance/trips/:id", h.GetTrip)
	dispatch.POST("/ambulance/trips", h.CreateTrip)
	dispatch.PUT("/ambulance/trips/:id", h.UpdateTrip)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Ward Handlers --

func (h *Handler) CreateWard(c echo.Context) error {
	var req NewWard
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	w, err := h.svc.CreateWard(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWards(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListWards(c.Request().Context(), pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Ward{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeleteWard(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteWard(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Bed Handlers --

func (h *Handler) CreateBed(c echo.Context) error {
	var req NewBed
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	b, err := h.svc.CreateBed(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBeds(c echo.Context) error {
	wardID, err := queryID(c, "ward_id")
	if err != nil {
		return err
	}
	f := BedFilter{
		WardID:          wardID,
		Status:          BedStatus(c.QueryParam("status")),
		IncludeInactive: c.QueryParam("include_inactive") == "true",
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBeds(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Bed{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeleteBed(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBed(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Admission Handlers --

func (h *Handler) CreateAdmission(c echo.Context) error {
	var req NewAdmission
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.CreateAdmission(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAdmission(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateAdmission(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req AdmissionUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.UpdateAdmission(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	patientID, err := queryID(c, "patient_id")
	if err != nil {
		return err
	}
	bedID, err := queryID(c, "bed_id")
	if err != nil {
		return err
	}
	f := AdmissionFilter{
		Status:    AdmissionStatus(c.QueryParam("status")),
		PatientID: patientID,
		BedID:     bedID,
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAdmissions(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Ambulance Handlers --

func (h *Handler) CreateAmbulance(c echo.Context) error {
	var req NewAmbulance
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.CreateAmbulance(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAmbulances(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAmbulances(c.Request().Context(), pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Ambulance{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) CreateTrip(c echo.Context) error {
	var req NewTrip
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.CreateTrip(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTrip(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTrip(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTrip(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req TripUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.UpdateTrip(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTrips(c echo.Context) error {
	ambID, err := queryID(c, "ambulance_id")
	if err != nil {
		return err
	}
	f := TripFilter{Status: TripStatus(c.QueryParam("status")), AmbulanceID: ambID}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTrips(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Trip{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
