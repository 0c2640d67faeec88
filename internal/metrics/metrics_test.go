package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_CountsByStatus(t *testing.T) {
	h := Middleware("test-endpoint", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	before := testutil.ToFloat64(RelayRequestsTotal.WithLabelValues("test-endpoint", "200"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?fail=1", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(RelayRequestsTotal.WithLabelValues("test-endpoint", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RelayRequestsTotal.WithLabelValues("test-endpoint", "400")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	SessionKeysTotal.WithLabelValues("create").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "passkey_account_session_keys_total"))
}
