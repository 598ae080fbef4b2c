package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", AccessTTL: time.Hour})
	pair, err := service.Login("user-1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var gotUser string
	handler := Middleware(service, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			t.Error("expected user in context")
			return
		}
		gotUser = user.ID
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "bearer header", header: "Bearer " + pair.Access, want: http.StatusOK},
		{name: "lowercase bearer", header: "bearer " + pair.Access, want: http.StatusOK},
		{name: "query token", query: "?token=" + pair.Access, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "refresh token", header: "Bearer " + pair.Refresh, want: http.StatusUnauthorized},
		{name: "garbage", query: "?token=abc", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/ws/notifications/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && gotUser != "user-1" {
				t.Errorf("user = %q, want user-1", gotUser)
			}
		})
	}
}

func TestMiddlewareDisabledUsesTokenAsUserID(t *testing.T) {
	service := NewService(Config{Users: []UserConfig{{ID: "7", Name: "Seven"}}})
	var got *User
	handler := Middleware(service, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/calls/?token=7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.ID != "7" || got.Name != "Seven" {
		t.Fatalf("user = %+v, want id 7 named Seven", got)
	}
}
