package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// =============================================================================
// Request ID
// =============================================================================

func TestRequestID(t *testing.T) {
	t.Run("generates an id", func(t *testing.T) {
		w := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})

	t.Run("keeps upstream id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "upstream-id")
		w := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(w, req)
		assert.Equal(t, "upstream-id", w.Header().Get(RequestIDHeader))
	})

	t.Run("replaces oversized upstream id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 129))
		w := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(w, req)
		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimiter(t *testing.T) {
	t.Run("rejects after burst", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2, true)
		defer rl.Stop()
		handler := rl.Limit(okHandler())

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			codes = append(codes, w.Code)
			if w.Code == http.StatusTooManyRequests {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
				assert.Contains(t, w.Body.String(), "rate_limited")
			}
		}
		assert.Equal(t, []int{200, 200, 429}, codes)
	})

	t.Run("buckets per client", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 1, true)
		defer rl.Stop()
		handler := rl.Limit(okHandler())

		for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})

	t.Run("disabled passes everything", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 1, false)
		handler := rl.Limit(okHandler())
		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:80", "198.51.100.2"},
		{"garbage forwarded", map[string]string{"X-Forwarded-For": "nope"}, "192.0.2.1:5555", "192.0.2.1"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

// =============================================================================
// Body limit
// =============================================================================

func TestLimitBody(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(b)
	})

	t.Run("passes small body", func(t *testing.T) {
		w := httptest.NewRecorder()
		LimitBody(echo).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload")))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "payload", w.Body.String())
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := bytes.NewReader(make([]byte, MaxBodySize+1))
		LimitBody(echo).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", body))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("ignores GET", func(t *testing.T) {
		w := httptest.NewRecorder()
		LimitBody(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

// =============================================================================
// CORS and logging
// =============================================================================

func TestCORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		w := httptest.NewRecorder()
		CORS("https://wallet.example")(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/send-transaction", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://wallet.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), IdempotencyKeyHeader)
	})

	t.Run("default origin", func(t *testing.T) {
		w := httptest.NewRecorder()
		CORS("")(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestLogging_PreservesStatus(t *testing.T) {
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/operations/0x00", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidator(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.Required("email", "a@b.co"))
	assert.False(t, v.Required("email", "  "))
	assert.False(t, v.Email("email", "not-an-email"))
	assert.True(t, v.EthereumAddress("accountAddress", ""))
	assert.False(t, v.EthereumAddress("accountAddress", "0x1234"))
	assert.True(t, v.HexString("signature", "0xdeadbeef"))
	assert.False(t, v.HexString("signature", "0xabc"))
	assert.False(t, v.MaxLength("id", "abcdef", 3))

	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 5)

	w := httptest.NewRecorder()
	WriteValidationError(w, v.Errors())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "email: is required")
}

func TestValidateJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}

	t.Run("decodes", func(t *testing.T) {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.co"}`))
		require.NoError(t, ValidateJSON(req, &p))
		assert.Equal(t, "a@b.co", p.Email)
	})

	for name, body := range map[string]string{
		"unknown field": `{"email":"a@b.co","extra":1}`,
		"empty":         ``,
		"trailing":      `{"email":"a"}{"email":"b"}`,
		"malformed":     `{"email":`,
	} {
		t.Run(name, func(t *testing.T) {
			var p payload
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			assert.Error(t, ValidateJSON(req, &p))
		})
	}
}
