package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondProblem(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mcp/v1/tools", nil)
	rec := httptest.NewRecorder()

	RespondProblem(rec, req, http.StatusNotFound, "unknown tool: x")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Not Found", problem.Title)
	assert.Equal(t, "unknown tool: x", problem.Detail)
	assert.Equal(t, "/mcp/v1/tools", problem.Instance)
}

func TestRecoverer(t *testing.T) {
	var logs strings.Builder
	handler := middleware.RequestID(Recoverer(zerolog.New(&logs))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "recovered from handler panic")

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.NotEmpty(t, problem.RequestID)
}

func TestRequestLogger(t *testing.T) {
	var logs strings.Builder
	handler := RequestLogger(zerolog.New(&logs))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/health", nil))

	assert.Contains(t, logs.String(), `"status":418`)
	assert.Contains(t, logs.String(), `"path":"/health"`)
}

func TestReadinessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadinessHandler(func() error { return assert.AnError }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	ReadinessHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
