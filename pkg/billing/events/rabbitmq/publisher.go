// Package rabbitmq publishes applied billing mutations to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	// DefaultExchange is the topic exchange applied events are published to
	DefaultExchange = "billsync.billing.events"

	// RoutingKeyPrefix prefixes the provider event type in the routing key,
	// e.g. "billing.invoice.paid".
	RoutingKeyPrefix = "billing."

	appID = "billsync"
)

// channel is the subset of *amqp.Channel used by Publisher.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures the publisher.
type Config struct {
	// URL is the AMQP connection string (required)
	URL string

	// Exchange defaults to DefaultExchange
	Exchange string

	// Logger is an optional structured logger
	Logger billing.Logger
}

// Publisher implements billing.Publisher on a RabbitMQ topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   billing.Logger
	mu       sync.Mutex
}

// message is the JSON body of a published event.
type message struct {
	EventID                string    `json:"event_id"`
	EventType              string    `json:"event_type"`
	EventTimestamp         time.Time `json:"event_timestamp"`
	Provider               string    `json:"provider"`
	UserEmail              string    `json:"user_email"`
	ProviderSubscriptionID string    `json:"provider_subscription_id,omitempty"`
	ProviderInvoiceID      string    `json:"provider_invoice_id,omitempty"`
	PreviousStatus         string    `json:"previous_status,omitempty"`
	NewStatus              string    `json:"new_status,omitempty"`
	Plan                   string    `json:"plan,omitempty"`
}

// New dials RabbitMQ, opens a channel and declares the durable topic exchange.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq: URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := newPublisher(ch, cfg.Exchange, cfg.Logger)
	p.conn = conn
	p.logger.Info("RabbitMQ publisher connected", billing.F("exchange", cfg.Exchange))
	return p, nil
}

func newPublisher(ch channel, exchange string, logger billing.Logger) *Publisher {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}
}

// RoutingKey returns the routing key an event is published under.
func RoutingKey(event billing.AppliedEvent) string {
	return RoutingKeyPrefix + event.EventType
}

// Publish sends the applied event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, event billing.AppliedEvent) error {
	body, err := json.Marshal(message{
		EventID:                event.EventID,
		EventType:              event.EventType,
		EventTimestamp:         event.EventTimestamp,
		Provider:               event.Provider,
		UserEmail:              event.UserEmail,
		ProviderSubscriptionID: event.ProviderSubscriptionID,
		ProviderInvoiceID:      event.ProviderInvoiceID,
		PreviousStatus:         string(event.PreviousStatus),
		NewStatus:              string(event.NewStatus),
		Plan:                   string(event.Plan),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	routingKey := RoutingKey(event)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Type:         event.EventType,
			AppId:        appID,
			Timestamp:    event.EventTimestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debug("applied event published",
		billing.F("routing_key", routingKey),
		billing.F("event_id", event.EventID),
	)
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", billing.F("error", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	return nil
}
