// Package alert emits structured operational alerts. Every alert is printed
// to stdout as `[ALERT <level>] <json>`; warn and critical alerts are
// additionally POSTed to a configured webhook, best effort.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

const webhookTimeout = 5 * time.Second

var (
	emittedCounter  = metrics.NewRegisteredCounter("keeper/alerts/emitted", nil)
	webhookFailures = metrics.NewRegisteredCounter("keeper/alerts/webhook_failures", nil)
)

// Alert is one structured event.
type Alert struct {
	Level     Level          `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Eigen     string         `json:"eigen,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink emits alerts. The zero value writes to stdout only.
type Sink struct {
	webhookURL string
	client     *http.Client
	out        io.Writer
	logger     log.Logger
}

// NewSink returns a sink; webhookURL may be empty to disable webhook posts.
func NewSink(webhookURL string) *Sink {
	return &Sink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		out:        os.Stdout,
		logger:     log.New("component", "alert"),
	}
}

// SetOutput redirects stdout emission, used by tests and log capture.
func (s *Sink) SetOutput(w io.Writer) { s.out = w }

// Emit publishes the alert. Webhook failures are logged and never propagate.
func (s *Sink) Emit(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	emittedCounter.Inc(1)

	body, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("Alert marshal failed", "type", a.Type, "err", err)
		return
	}
	out := s.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "[ALERT %s] %s\n", a.Level, body)

	if s.webhookURL == "" || a.Level == LevelInfo {
		return
	}
	s.post(body)
}

func (s *Sink) post(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		webhookFailures.Inc(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		webhookFailures.Inc(1)
		s.logger.Warn("Alert webhook post failed", "err", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		webhookFailures.Inc(1)
		s.logger.Warn("Alert webhook rejected", "status", resp.StatusCode)
	}
}

// Info emits an informational alert.
func (s *Sink) Info(typ, msg string, fields map[string]any) {
	s.Emit(Alert{Level: LevelInfo, Type: typ, Message: msg, Fields: fields})
}

// Warn emits a warning alert.
func (s *Sink) Warn(typ, msg string, fields map[string]any) {
	s.Emit(Alert{Level: LevelWarn, Type: typ, Message: msg, Fields: fields})
}

// Critical emits a critical alert.
func (s *Sink) Critical(typ, msg string, fields map[string]any) {
	s.Emit(Alert{Level: LevelCritical, Type: typ, Message: msg, Fields: fields})
}

// CycleSummary emits the per-cycle digest the scheduler publishes.
func (s *Sink) CycleSummary(processed, failures int, duration time.Duration, gasSpent, gasBudget string) {
	s.Emit(Alert{
		Level:   LevelInfo,
		Type:    "cycle_summary",
		Message: fmt.Sprintf("cycle complete: %d eigens, %d failures", processed, failures),
		Fields: map[string]any{
			"processed":   processed,
			"failures":    failures,
			"duration_ms": duration.Milliseconds(),
			"gas_spent":   gasSpent,
			"gas_budget":  gasBudget,
		},
	})
}
