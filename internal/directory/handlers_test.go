package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(users *Cached) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(users).RegisterRoutes(r.Group("/v1"))
	return r
}

func put(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SetClassification(t *testing.T) {
	backend := &writableLookup{senior: map[string]bool{}}
	users := NewCached(backend, time.Hour)
	r := newTestRouter(users)

	w := put(r, "/v1/users/alice/classification", `{"senior":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"userId":"alice","senior":true}`, w.Body.String())

	got, err := users.IsPrivileged(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestHandler_SetClassificationErrors(t *testing.T) {
	tests := []struct {
		name   string
		users  *Cached
		body   string
		status int
	}{
		{"missing flag", NewCached(&writableLookup{senior: map[string]bool{}}, time.Hour), `{}`, http.StatusBadRequest},
		{"bad json", NewCached(&writableLookup{senior: map[string]bool{}}, time.Hour), `{"senior":`, http.StatusBadRequest},
		{"static directory", NewCached(NewStatic(nil), time.Hour), `{"senior":false}`, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := put(newTestRouter(tt.users), "/v1/users/alice/classification", tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
