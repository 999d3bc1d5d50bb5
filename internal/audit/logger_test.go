package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	Log(ctx, Event{
		Type:     EventCodeRedeem,
		TenantID: "tenant-a",
		KioskID:  "kiosk-1",
		Code:     "ABCD-EFGH",
		Details:  map[string]interface{}{"replayed": false, "attempts": 2},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pairing", line["audit"])
	assert.Equal(t, "code_redeem", line["event_type"])
	assert.Equal(t, "kiosk-1", line["kiosk_id"])
	assert.Equal(t, "ABCD-****", line["code"])
	assert.Equal(t, false, line["replayed"])
	assert.EqualValues(t, 2, line["attempts"])
}

func TestClientIP(t *testing.T) {
	t.Run("first forwarded hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "203.0.113.9", ClientIP(r))
	})

	t.Run("real ip header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-IP", "198.51.100.4")
		assert.Equal(t, "198.51.100.4", ClientIP(r))
	})

	t.Run("remote addr without port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.1:54321"
		assert.Equal(t, "192.0.2.1", ClientIP(r))

		r.RemoteAddr = "[2001:db8::1]:443"
		assert.Equal(t, "2001:db8::1", ClientIP(r))
	})
}
