package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
)

func serve(t *testing.T, reg *Registry, roles []string, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := db.WithTenant(c.Request().Context(), "acme")
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(reg).RegisterRoutes(api)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndGetMaskSecret(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, &fakeProber{})
	operator := []string{auth.RoleOperator}

	rec := serve(t, reg, operator, http.MethodPost, "/api/v1/providers",
		`{"name":"Unimed","code":"UNI","endpoint_url":"https://gw.example.com","password":"s3cret"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatal("response leaks the secret")
	}

	var created map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created["password"] != "***MASKED***" {
		t.Errorf("expected masked password, got %v", created["password"])
	}
	if _, ok := created["password_encrypted"]; ok {
		t.Error("ciphertext must not be serialized")
	}

	rec = serve(t, reg, []string{auth.RoleViewer}, http.MethodGet, "/api/v1/providers/"+created["id"].(string), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatal("get leaks the secret")
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, &fakeProber{})
	operator := []string{auth.RoleOperator}

	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid body", operator, http.MethodPost, "/api/v1/providers", `{"name":""}`, http.StatusBadRequest},
		{"invalid id", operator, http.MethodGet, "/api/v1/providers/nope", "", http.StatusBadRequest},
		{"missing", operator, http.MethodGet, "/api/v1/providers/00000000-0000-0000-0000-000000000001", "", http.StatusNotFound},
		{"viewer cannot create", []string{auth.RoleViewer}, http.MethodPost, "/api/v1/providers", `{}`, http.StatusForbidden},
		{"operator cannot delete", operator, http.MethodDelete, "/api/v1/providers/00000000-0000-0000-0000-000000000001", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, reg, tt.roles, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_DuplicateCodeConflict(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, &fakeProber{})
	body := `{"name":"Unimed","code":"UNI","endpoint_url":"https://gw.example.com"}`
	serve(t, reg, []string{auth.RoleOperator}, http.MethodPost, "/api/v1/providers", body)
	rec := serve(t, reg, []string{auth.RoleOperator}, http.MethodPost, "/api/v1/providers", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_TestConnection(t *testing.T) {
	prober := &fakeProber{success: true}
	reg, _, _, _ := newTestRegistry(t, prober)
	p, _ := reg.Create(tenantCtx("acme"), validCreate())

	rec := serve(t, reg, []string{auth.RoleOperator}, http.MethodPost,
		"/api/v1/providers/"+p.ID.String()+"/test", `{"password":"other"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if prober.last.Credentials.Password != "other" {
		t.Errorf("expected override password, got %q", prober.last.Credentials.Password)
	}
	var res map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res["success"] != true {
		t.Errorf("expected success in body, got %v", res)
	}
}
