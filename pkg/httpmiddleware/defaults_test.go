package httpmiddleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genieops/teams-genie-bot/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Output: &bytes.Buffer{}})
}

func TestApplyToRouterDefaultStack(t *testing.T) {
	r := chi.NewRouter()
	ApplyToRouter(r, DefaultConfig())

	var gotCorrelation string
	r.Get("/ok", func(w http.ResponseWriter, req *http.Request) {
		gotCorrelation = req.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(gotCorrelation)
	assert.NoError(t, err, "correlation middleware must inject a UUID")
}

func TestCorrelationIDIgnoresClientValue(t *testing.T) {
	r := chi.NewRouter()
	r.Use(CorrelationID())

	var got string
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Get("X-Correlation-ID")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "attacker-chosen")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.NotEmpty(t, got)
	assert.NotEqual(t, "attacker-chosen", got)
}

func TestHeartbeatEndpoint(t *testing.T) {
	r := chi.NewRouter()
	ApplyToRouter(r, DefaultConfig())
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryMiddlewareSwallowsPanic(t *testing.T) {
	r := chi.NewRouter()
	WithLogger(r, testLogger())
	r.Get("/panic", func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
