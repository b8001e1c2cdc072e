package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"disabled", "", "/api/v1/fields", "", http.StatusOK},
		{"missing header", "s3cret", "/api/v1/fields", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "/api/v1/fields", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "/api/v1/fields", "token s3cret", http.StatusUnauthorized},
		{"valid", "s3cret", "/api/v1/fields", "Bearer s3cret", http.StatusOK},
		{"probe exempt", "s3cret", "/readyz", "", http.StatusOK},
		{"metrics exempt", "s3cret", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(Config{Token: tt.token})(ok)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
