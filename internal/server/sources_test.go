package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/store"
)

var sourceCols = []string{"id", "name", "kind", "url", "section", "region", "trust_score", "enabled",
	"consecutive_failures", "consecutive_successes", "total_failures", "total_successes",
	"disabled_until", "last_error", "last_success_at", "avg_latency_ms", "created_at", "updated_at"}

func TestCreateSource(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO sources`).
		WithArgs("Reuters Tech", "rss", "https://example.com/feed.xml", "ai_news", sqlmock.AnyArg(), 0.9, true).
		WillReturnRows(sqlmock.NewRows(sourceCols).
			AddRow(7, "Reuters Tech", "rss", "https://example.com/feed.xml", "ai_news", "us", 0.9, true,
				0, 0, int64(0), int64(0), nil, nil, nil, nil, now, now))

	h := &SourcesHandler{Store: &store.Store{DB: db}}
	body := `{"name":"Reuters Tech","feed_url":"https://example.com/feed.xml","section":"ai_news","region":"us","trust_score":0.9}`
	req := httptest.NewRequest(http.MethodPost, "/api/sources", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp SourceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 7 || resp.FeedURL != "https://example.com/feed.xml" || resp.Region != "us" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSourceValidation(t *testing.T) {
	e := echo.New()
	h := &SourcesHandler{}

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"feed_url":"https://x.test/f","section":"market","trust_score":0.5}`},
		{"bad url", `{"name":"X","feed_url":"ftp://x.test/f","section":"market","trust_score":0.5}`},
		{"missing section", `{"name":"X","feed_url":"https://x.test/f","trust_score":0.5}`},
		{"trust out of range", `{"name":"X","feed_url":"https://x.test/f","section":"market","trust_score":1.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sources", strings.NewReader(tc.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			ctx := e.NewContext(req, httptest.NewRecorder())
			err := h.create(ctx)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %#v", err)
			}
		})
	}
}

func TestGetSourceNotFound(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM sources WHERE id=\$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(sourceCols))

	h := &SourcesHandler{Store: &store.Store{DB: db}}
	req := httptest.NewRequest(http.MethodGet, "/api/sources/99", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("99")

	err = h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}
