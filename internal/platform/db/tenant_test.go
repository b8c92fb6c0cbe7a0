package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		jwt    string
		want   string
	}{
		{"header", "", "clinic_abc", "", "clinic_abc"},
		{"query", "clinic_xyz", "", "", "clinic_xyz"},
		{"jwt claim", "", "", "jwt_tenant", "jwt_tenant"},
		{"default", "", "", "", "default"},
		{"jwt wins over header and query", "query", "header", "jwt", "jwt"},
		{"header wins over query", "query_tenant", "header_tenant", "", "header_tenant"},
		{"empty jwt falls through", "", "header_tenant", "", "header_tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			target := "/"
			if tt.query != "" {
				target = "/?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"tenant_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
		{"tenant@1", false},
	}

	for _, tt := range tests {
		if got := ValidTenantID(tt.input); got != tt.valid {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestTenantMiddleware_SetsContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "clinic_1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	h := TenantMiddleware("default")(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "clinic_1" {
		t.Errorf("expected clinic_1 in request context, got %q", seen)
	}
	if c.Get("tenant_id") != "clinic_1" {
		t.Errorf("expected tenant_id on echo context, got %v", c.Get("tenant_id"))
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad-tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	h := TenantMiddleware("default")(func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}

func TestRequireTenant(t *testing.T) {
	if _, err := RequireTenant(context.Background()); err == nil {
		t.Error("expected error for missing tenant")
	}
	tid, err := RequireTenant(WithTenant(context.Background(), "clinic_1"))
	if err != nil || tid != "clinic_1" {
		t.Errorf("expected clinic_1, got %q (%v)", tid, err)
	}
}

func TestTenantFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, 12345)
	if tid := TenantFromContext(ctx); tid != "" {
		t.Errorf("expected empty string when context value is wrong type, got %q", tid)
	}
}

func TestTxFromContext(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
	ctx := context.WithValue(context.Background(), TxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestAdvisoryXactLock_RequiresTransaction(t *testing.T) {
	if err := AdvisoryXactLock(context.Background(), "clinic_1:INV-1"); err == nil {
		t.Error("expected error outside a transaction")
	}
}
