package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
)

func newTestLogger(level zerolog.Level) (*Logger, *bytes.Buffer) {
	output := &bytes.Buffer{}
	return NewLogger(zerolog.New(output).Level(level)), output
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(*Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, output := newTestLogger(zerolog.DebugLevel)
			tt.log(logger)

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to decode log line: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["message"] != "msg" {
				t.Errorf("Expected message msg, got %v", entry["message"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	logger, output := newTestLogger(zerolog.WarnLevel)

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if got := strings.Count(output.String(), "\n"); got != 2 {
		t.Errorf("Expected 2 log lines, got %d", got)
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	logger, output := newTestLogger(zerolog.DebugLevel)

	logger.Error("mirror write failed",
		billing.F("provider_subscription_id", "sub_1"),
		billing.F("attempt", 3),
		billing.F("error", errors.New("connection refused")),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode log line: %v", err)
	}
	if entry["provider_subscription_id"] != "sub_1" {
		t.Errorf("Unexpected provider_subscription_id %v", entry["provider_subscription_id"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("Unexpected attempt %v", entry["attempt"])
	}
	if entry["error"] != "connection refused" {
		t.Errorf("Expected error text, got %v", entry["error"])
	}
}

func TestZerologLogger_TimeAndMoneyFields(t *testing.T) {
	logger, output := newTestLogger(zerolog.DebugLevel)

	logger.Debug("stale webhook event skipped",
		billing.F("occurred_at", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		billing.F("monthly_price", decimal.RequireFromString("29.95")),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode log line: %v", err)
	}
	if entry["occurred_at"] != "2025-03-01T12:00:00Z" {
		t.Errorf("Unexpected occurred_at %v", entry["occurred_at"])
	}
	if entry["monthly_price"] != "29.95" {
		t.Errorf("Expected exact price string, got %v", entry["monthly_price"])
	}
}
