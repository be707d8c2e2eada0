package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/store"
)

var runCols = []string{"id", "run_date", "status", "started_at", "finished_at",
	"degradation_level", "tokens_spent", "stage_results", "error", "created_at", "updated_at"}

func runRow(id int64, date, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(runCols).
		AddRow(id, date, status, nil, nil, 0, int64(0), []byte(`{}`), nil, now, now)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, runDate string, force bool) (store.RunRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runDate)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return store.RunRecord{RunDate: runDate, Status: store.RunStatusComplete}, nil
}

func TestTriggerConflictsWhileRunning(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM brief_runs WHERE run_date=\$1`).
		WithArgs("2026-08-26").
		WillReturnRows(runRow(1, "2026-08-26", store.RunStatusRunning))

	h := &RunsHandler{Store: &store.Store{DB: db}, Runner: &fakeRunner{}, Logger: log.New(io.Discard, "", 0)}
	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"date":"2026-08-26"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	err = h.trigger(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTriggerCompleteNeedsForce(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM brief_runs WHERE run_date=\$1`).
		WithArgs("2026-08-26").
		WillReturnRows(runRow(1, "2026-08-26", store.RunStatusComplete))

	h := &RunsHandler{Store: &store.Store{DB: db}, Runner: &fakeRunner{}, Logger: log.New(io.Discard, "", 0)}
	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"date":"2026-08-26"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	err = h.trigger(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestTriggerForcedRunStarts(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM brief_runs WHERE run_date=\$1`).
		WithArgs("2026-08-26").
		WillReturnRows(runRow(1, "2026-08-26", store.RunStatusComplete))

	runner := &fakeRunner{done: make(chan struct{})}
	h := &RunsHandler{Store: &store.Store{DB: db}, Runner: runner, Logger: log.New(io.Discard, "", 0)}
	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"date":"2026-08-26","force":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not invoked")
	}
}

func TestTriggerRejectsBadDate(t *testing.T) {
	e := echo.New()
	h := &RunsHandler{Logger: log.New(io.Discard, "", 0)}
	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"date":"26-08-2026"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	err := h.trigger(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM brief_runs WHERE run_date=\$1`).
		WithArgs("2026-01-01").
		WillReturnRows(sqlmock.NewRows(runCols))

	h := &RunsHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/runs/2026-01-01", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("date")
	ctx.SetParamValues("2026-01-01")

	err = h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestListRuns(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM brief_runs ORDER BY run_date DESC LIMIT \$1`).
		WithArgs(30).
		WillReturnRows(runRow(2, "2026-08-26", store.RunStatusComplete).
			AddRow(1, "2026-08-25", store.RunStatusFailed, nil, nil, 2, int64(4200), []byte(`{}`), "fetch stage: timeout", time.Now(), time.Now()))

	h := &RunsHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp []RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[0].RunDate != "2026-08-26" || resp[1].TokensSpent != 4200 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
