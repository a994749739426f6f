package clinic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	svc.Create(context.Background(), &Clinic{Code: "opd1", Name: "General"})
	return NewHandler(svc), echo.New()
}

func TestHandler_ListClinics(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), &Clinic{Code: "opd2", Name: "Retina"})
	h.svc.Deactivate(context.Background(), "opd2")

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"/", 1},
		{"/?active_only=false", 2},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.query, nil)
		rec := httptest.NewRecorder()
		if err := h.ListClinics(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var list []Clinic
		json.Unmarshal(rec.Body.Bytes(), &list)
		if len(list) != tc.want {
			t.Errorf("%s: expected %d clinics, got %d", tc.query, tc.want, len(list))
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/?active_only=maybe", nil)
	rec := httptest.NewRecorder()
	if err := h.ListClinics(e.NewContext(req, rec)); err == nil {
		t.Error("expected 400 for invalid flag")
	}
}

func TestHandler_CreateClinic(t *testing.T) {
	h, e := newTestHandler()

	body := `{"opd_code":"opd3","opd_name":"Glaucoma"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.CreateClinic(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"opd_code":"opd1","opd_name":"Dup"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	err := h.CreateClinic(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_DeactivateClinic(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("opd1")

	if err := h.DeactivateClinic(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active, _ := h.svc.IsActive(context.Background(), "opd1"); active {
		t.Error("clinic still active")
	}

	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("ghost")
	err := h.DeactivateClinic(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_UpdateClinic(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"opd_name":"Cornea"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("opd1")

	if err := h.UpdateClinic(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cl Clinic
	json.Unmarshal(rec.Body.Bytes(), &cl)
	if cl.Name != "Cornea" {
		t.Errorf("expected Cornea, got %q", cl.Name)
	}
}
