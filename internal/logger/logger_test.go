package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("rejects invalid level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "LOUD")
		assert.Error(t, InitWithWriter(&bytes.Buffer{}))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		t.Setenv("LOG_FORMAT", "xml")
		assert.Error(t, InitWithWriter(&bytes.Buffer{}))
	})

	t.Run("enriches records from context", func(t *testing.T) {
		t.Setenv("LOG_FORMAT", "json")
		t.Setenv("LOG_LEVEL", "DEBUG")
		var buf bytes.Buffer
		require.NoError(t, InitWithWriter(&buf))

		ctx := WithRequestID(context.Background(), "req-1")
		ctx = WithAccount(ctx, "0xabc")
		Info(ctx, "submitted", "hash", "0x01")

		out := buf.String()
		assert.Contains(t, out, `"request_id":"req-1"`)
		assert.Contains(t, out, `"account":"0xabc"`)
		assert.Contains(t, out, `"msg":"submitted"`)
	})
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetAccount(ctx))

	ctx = WithAccount(ctx, "0xdef")
	assert.Equal(t, "0xdef", GetAccount(ctx))
}
