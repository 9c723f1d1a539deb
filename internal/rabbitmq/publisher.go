package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"anon-chat/internal/observability"
	"anon-chat/internal/telemetry"
)

// Publisher publishes audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Config describes the broker connection.
type Config struct {
	URL          string
	Exchange     string
	DialAttempts uint64
}

type dialFunc func(url string) (*amqp.Connection, error)

// NewPublisher builds a RabbitMQ publisher, or a noop publisher when AMQP is
// disabled or unreachable. Audit delivery never blocks the chat service.
func NewPublisher(cfg Config, logger *logrus.Logger) Publisher {
	return newPublisher(cfg, logger, amqp.Dial)
}

func newPublisher(cfg Config, logger *logrus.Logger, dial dialFunc) Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.URL == "" {
		logger.Warn("rabbitmq disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url", log: logger}
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 3
	}

	var conn *amqp.Connection
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.DialAttempts-1)
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = dial(cfg.URL)
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.WithError(err).WithField("wait", wait).Info("rabbitmq dial failed, retrying")
	})
	if err != nil {
		logger.WithError(err).Warn("rabbitmq disabled, using noop")
		return noopPublisher{reason: err.Error(), log: logger}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.WithError(err).Warn("rabbitmq disabled, using noop")
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), log: logger}
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		logger.WithError(err).Warn("rabbitmq disabled, using noop")
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), log: logger}
	}

	logger.WithField("exchange", cfg.Exchange).Info("rabbitmq connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, log: logger}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *logrus.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		// audit events are as ephemeral as the conversations they describe
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		p.log.WithError(err).WithField("routing_key", routingKey).Error("rabbitmq publish failed")
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	log    *logrus.Logger
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	entry := p.log.WithField("routing_key", routingKey)
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		entry = entry.WithFields(logrus.Fields{"event_type": envelope.EventType, "request_id": envelope.RequestID})
	case *telemetry.AuditEnvelope:
		entry = entry.WithFields(logrus.Fields{"event_type": envelope.EventType, "request_id": envelope.RequestID})
	}
	entry.Debug("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher, *noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	switch publisher := p.(type) {
	case noopPublisher:
		return publisher.reason
	case *noopPublisher:
		return publisher.reason
	default:
		return ""
	}
}
