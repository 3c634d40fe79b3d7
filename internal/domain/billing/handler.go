package billing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/apperror"
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
	read := api.Group("", auth.RequireRole(auth.RoleCashier, auth.RoleBilling, auth.RoleReception))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/:id/payments", h.ListPayments)
	read.GET("/waivers", h.ListWaivers)
	read.GET("/waivers/:id", h.GetWaiver)

	cashier := api.Group("", auth.RequireRole(auth.RoleCashier, auth.RoleBilling))
	cashier.POST("/invoices", h.CreateInvoice)
	cashier.POST("/invoices/:id/payments", h.RecordPayment)
	cashier.POST("/waivers", h.RequestWaiver)

	billing := api.Group("", auth.RequireRole(auth.RoleBilling))
	billing.POST("/invoices/:id/cancel", h.CancelInvoice)
	billing.PUT("/waivers/:id/approve", h.ApproveWaiver)
	billing.PUT("/waivers/:id/reject", h.RejectWaiver)
	billing.GET("/payables", h.ListPayables)
	billing.GET("/payables/:id", h.GetPayable)
	billing.GET("/payables/:id/payments", h.ListPayablePayments)
	billing.POST("/payables", h.CreatePayable)
	billing.POST("/payables/:id/payment", h.RecordPayablePayment)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Invoice Handlers --

// CreateInvoice bills ad hoc charges. Registration, consultation and
// prescription invoices are raised only by their clinical event.
func (h *Handler) CreateInvoice(c echo.Context) error {
	var req NewInvoice
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Origin.Kind != "" && req.Origin.Kind != OriginOther {
		return apperror.Validation("%s invoices are raised by their clinical event", req.Origin.Kind)
	}
	req.Origin = OtherOrigin()
	inv, err := h.svc.CreateInvoice(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	f := InvoiceFilter{
		Status:     InvoiceStatus(c.QueryParam("status")),
		OriginKind: OriginKind(c.QueryParam("origin")),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = pid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Invoice{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

type paymentResponse struct {
	Invoice *Invoice `json:"invoice"`
	Payment *Payment `json:"payment"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	inv, pay, err := h.svc.RecordPayment(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, paymentResponse{Invoice: inv, Payment: pay})
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

// -- Waiver Handlers --

func (h *Handler) RequestWaiver(c echo.Context) error {
	var req WaiverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	w, err := h.svc.RequestWaiver(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWaiver(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.GetWaiver(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWaivers(c echo.Context) error {
	f := WaiverFilter{Status: WaiverStatus(c.QueryParam("status"))}
	if v := c.QueryParam("invoice_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid invoice_id")
		}
		f.InvoiceID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListWaivers(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Waiver{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type waiverDecision struct {
	Waiver  *Waiver  `json:"waiver"`
	Invoice *Invoice `json:"invoice,omitempty"`
}

func (h *Handler) ApproveWaiver(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	w, inv, err := h.svc.ApproveWaiver(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, waiverDecision{Waiver: w, Invoice: inv})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectWaiver(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	w, err := h.svc.RejectWaiver(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, waiverDecision{Waiver: w})
}

// -- Payable Handlers --

func (h *Handler) CreatePayable(c echo.Context) error {
	var req NewPayable
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePayable(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPayable(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayable(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPayables(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPayables(c.Request().Context(), pg)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Payable{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListPayablePayments(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayablePayments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

type payablePaymentResponse struct {
	Payable *Payable `json:"payable"`
	Payment *Payment `json:"payment"`
}

func (h *Handler) RecordPayablePayment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, pay, err := h.svc.RecordPayablePayment(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, payablePaymentResponse{Payable: p, Payment: pay})
}
