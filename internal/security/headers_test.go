package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HeadersMiddleware(), CORSMiddleware(origins))
	r.GET("/v1/holds/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"id": c.Param("id")}) })
	return r
}

func request(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/holds/esc_1", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := request(newRouter(nil), http.MethodGet, "")

	assert.Equal(t, http.StatusOK, w.Code)
	for k, v := range apiHeaders {
		assert.Equal(t, v, w.Header().Get(k), k)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantCode    int
		wantAllow   string
		wantCredits string
	}{
		{"no list allows any origin", nil, http.MethodGet, "https://app.example", http.StatusOK, "https://app.example", ""},
		{"wildcard never sends credentials", []string{"*"}, http.MethodGet, "https://app.example", http.StatusOK, "https://app.example", ""},
		{"listed origin", []string{"https://app.example/"}, http.MethodGet, "https://app.example", http.StatusOK, "https://app.example", "true"},
		{"unlisted origin gets no grant", []string{"https://app.example"}, http.MethodGet, "https://evil.example", http.StatusOK, "", ""},
		{"same-origin request", []string{"https://app.example"}, http.MethodGet, "", http.StatusOK, "", ""},
		{"preflight allowed", []string{"https://app.example"}, http.MethodOptions, "https://app.example", http.StatusNoContent, "https://app.example", "true"},
		{"preflight refused", []string{"https://app.example"}, http.MethodOptions, "https://evil.example", http.StatusForbidden, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(newRouter(tt.origins), tt.method, tt.origin)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Contains(t, w.Header().Values("Vary"), "Origin")
			if tt.wantAllow != "" {
				assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
				assert.Equal(t, "X-Request-ID, Retry-After", w.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}
