package billing

// Field is a key/value pair attached to a log entry. Components key entries by
// provider identifiers (event_id, provider_subscription_id, provider_invoice_id)
// so a delivery can be followed across the processor, gateway and stores.
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the structured logger the billing components write to.
// Webhook outcomes are logged at Debug, held or skipped rows at Info,
// publisher and cache failures at Warn, and unexpected faults at Error.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards every entry. It is the default when Config.Logger is nil.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
