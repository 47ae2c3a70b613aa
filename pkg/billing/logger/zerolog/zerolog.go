// Package zerolog adapts a zerolog.Logger to billing.Logger for billsyncd.
package zerolog

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Logger writes billing log entries as zerolog events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps logger. Level filtering is left to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...billing.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...billing.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...billing.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...billing.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []billing.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case decimal.Decimal:
			// Money stays exact in the log line
			event = event.Str(f.Key, v.String())
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
