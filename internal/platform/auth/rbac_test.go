package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"operator allowed", []string{RoleOperator}, http.StatusOK},
		{"admin always allowed", []string{RoleAdmin}, http.StatusOK},
		{"viewer denied", []string{RoleViewer}, http.StatusForbidden},
		{"no roles denied", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireRole(RoleOperator)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			err := h(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}
