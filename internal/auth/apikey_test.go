package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestAPIKeyMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(key string) *gin.Engine {
		r := gin.New()
		r.Use(APIKeyMiddleware(key))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	tests := []struct {
		name   string
		key    string
		header string
		query  string
		want   int
	}{
		{name: "disabled", key: "", want: http.StatusNoContent},
		{name: "missing", key: "secret", want: http.StatusUnauthorized},
		{name: "wrong", key: "secret", header: "nope", want: http.StatusForbidden},
		{name: "header", key: "secret", header: "secret", want: http.StatusNoContent},
		{name: "query", key: "secret", query: "secret", want: http.StatusNoContent},
		{name: "header wins", key: "secret", header: "nope", query: "secret", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/x"
			if tt.query != "" {
				url += "?api_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(tt.key).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
