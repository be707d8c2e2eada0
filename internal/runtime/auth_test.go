package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestSignAndValidateJWT(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("42", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotSub string
	var gotID int64
	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		gotSub = c.Get("user_id").(string)
		gotID, _ = UserIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if gotSub != "42" || gotID != 42 {
		t.Fatalf("subject = %q id = %d", gotSub, gotID)
	}
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	e := echo.New()
	h := EchoAuthMiddleware([]byte("test-secret"))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if err := h(c); err == nil {
		t.Fatal("expected error for missing token")
	}

	forged, err := SignJWT("42", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	c = e.NewContext(req, httptest.NewRecorder())
	err = h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %#v", err)
	}
}

func TestMiddlewareReadsAuthCookie(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("7", secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	c := e.NewContext(req, httptest.NewRecorder())

	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if c.Get("user_id") != "7" {
		t.Fatalf("user_id = %v", c.Get("user_id"))
	}
}
