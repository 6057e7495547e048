package alert

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStdoutFormat(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink("")
	s.out = &buf

	s.Critical("keeper_gas_low", "keeper balance below minimum", map[string]any{
		"balance": "0.001",
	})

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "[ALERT critical] "), "got %q", line)

	var a Alert
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "[ALERT critical] ")), &a))
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, "keeper_gas_low", a.Type)
	assert.Equal(t, "0.001", a.Fields["balance"])
	assert.False(t, a.Timestamp.IsZero())
}

func TestWebhookPostedForWarnAndCritical(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	s := NewSink(srv.URL)
	s.out = &bytes.Buffer{}

	s.Info("cycle_summary", "ok", nil) // info never hits the webhook
	s.Warn("keeper_gas_low", "warning", nil)
	s.Critical("high_spend_rate", "spending fast", nil)

	assert.Equal(t, int64(2), hits.Load())
}

func TestWebhookFailureDoesNotPropagate(t *testing.T) {
	s := NewSink("http://127.0.0.1:1") // nothing listens here
	s.out = &bytes.Buffer{}

	assert.NotPanics(t, func() {
		s.Critical("sell_blocked", "cooldown engaged", nil)
	})
}
