package clinical

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _, _ := newTestService(120)
	return NewHandler(svc), echo.New()
}

func post(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_Triage(t *testing.T) {
	h, e := newTestHandler()
	c, rec := post(e, `{"patient_id":"`+uuid.New().String()+`","category":"yellow",
		"chief_complaint":"fever","vitals":{"temperature":38.9,"pulse_rate":104}}`)
	if err := h.Triage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res struct {
		Assessment TriageAssessment `json:"assessment"`
		Invoice    *struct {
			Origin struct {
				Kind string `json:"kind"`
			} `json:"origin"`
		} `json:"invoice"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if res.Assessment.Vitals.Temperature == nil || *res.Assessment.Vitals.Temperature != 38.9 {
		t.Errorf("expected vitals to round-trip, got %+v", res.Assessment.Vitals)
	}
	if res.Invoice == nil || res.Invoice.Origin.Kind != "consultation" {
		t.Errorf("expected consultation invoice in response")
	}

	gc := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	gc.SetParamNames("id")
	gc.SetParamValues(res.Assessment.ID.String())
	if err := h.GetTriage(gc); err != nil {
		t.Errorf("get triage: %v", err)
	}
}

func TestHandler_Triage_BadRequest(t *testing.T) {
	h, e := newTestHandler()
	c, _ := post(e, `{"category":"red"}`)
	if err := h.Triage(c); err == nil {
		t.Error("expected error for missing patient_id")
	}
}

func TestHandler_Register(t *testing.T) {
	h, e := newTestHandler()
	c, rec := post(e, `{"patient_id":"`+uuid.New().String()+`","fee":200}`)
	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_GetPrescription_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if err := h.GetPrescription(c); err == nil {
		t.Error("expected not found error")
	}
}

func TestHandler_Prescribe_InvalidBody(t *testing.T) {
	h, e := newTestHandler()
	c, _ := post(e, `{"items":`)
	if err := h.Prescribe(c); err == nil {
		t.Error("expected error for malformed body")
	}
}
