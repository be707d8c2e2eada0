package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/store"
)

func tuningHandler(st *store.Store) *SettingsHandler {
	return &SettingsHandler{
		Store: st,
		TuningDefaults: store.PipelineSettings{
			FailureThreshold: 3,
			DisableMinutes:   180,
			LatencyAlpha:     0.30,
			SectionFractions: map[string]float64{"market": 0.14},
		},
	}
}

func TestPutPipelineSettings(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}
	h := tuningHandler(st)

	// No stored row: defaults are the baseline the patch lands on.
	mock.ExpectQuery(`SELECT value FROM system_settings`).
		WithArgs("pipeline_tuning").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(`INSERT INTO system_settings`).
		WithArgs("pipeline_tuning", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPut, "/api/settings/pipeline",
		strings.NewReader(`{"failure_threshold":5,"section_fractions":{"market":0.2}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.putPipeline(e.NewContext(req, rec)); err != nil {
		t.Fatalf("putPipeline: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp store.PipelineSettings
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FailureThreshold != 5 {
		t.Fatalf("failure_threshold = %d, want 5", resp.FailureThreshold)
	}
	// Untouched knobs keep their defaults.
	if resp.DisableMinutes != 180 || resp.LatencyAlpha != 0.30 {
		t.Fatalf("unpatched knobs changed: %+v", resp)
	}
	if resp.SectionFractions["market"] != 0.2 {
		t.Fatalf("market fraction = %v, want 0.2", resp.SectionFractions["market"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPutPipelineSettingsRejectsBadValues(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}
	h := tuningHandler(st)

	mock.ExpectQuery(`SELECT value FROM system_settings`).
		WithArgs("pipeline_tuning").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	req := httptest.NewRequest(http.MethodPut, "/api/settings/pipeline",
		strings.NewReader(`{"latency_alpha":1.5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	err = h.putPipeline(e.NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}
