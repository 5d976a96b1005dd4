package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "library.events"
	exchangeType = "topic"

	// Event types
	EventTypeLoanIssued            = "loan.issued"
	EventTypeLoanReturned          = "loan.returned"
	EventTypeNotificationBroadcast = "notification.broadcast"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Event represents a domain event
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	EventVersion string                 `json:"event_version"`
	Timestamp    string                 `json:"timestamp"`
	Payload      map[string]interface{} `json:"payload"`
}

// Publisher is the event publishing surface the API layer depends on
type Publisher interface {
	PublishLoanIssued(ctx context.Context, issueID, studentID, bookID uint, dueDate time.Time) error
	PublishLoanReturned(ctx context.Context, issueID uint, penalty int64) error
	PublishNotificationBroadcast(ctx context.Context, message string, recipients int) error
	IsHealthy() bool
	Close() error
}

// AMQPPublisher publishes events to RabbitMQ with publisher confirms
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// NewAMQPPublisher creates a new event publisher
func NewAMQPPublisher(url string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Publisher confirms so a lost broker connection cannot drop events silently
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &AMQPPublisher{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

// PublishLoanIssued publishes a loan issued event
func (p *AMQPPublisher) PublishLoanIssued(ctx context.Context, issueID, studentID, bookID uint, dueDate time.Time) error {
	event := newEvent(EventTypeLoanIssued, map[string]interface{}{
		"issue_id":   issueID,
		"student_id": studentID,
		"book_id":    bookID,
		"due_date":   dueDate.UTC().Format(time.RFC3339),
	})
	return p.publishWithRetry(ctx, EventTypeLoanIssued, event)
}

// PublishLoanReturned publishes a loan returned event
func (p *AMQPPublisher) PublishLoanReturned(ctx context.Context, issueID uint, penalty int64) error {
	event := newEvent(EventTypeLoanReturned, map[string]interface{}{
		"issue_id": issueID,
		"penalty":  penalty,
	})
	return p.publishWithRetry(ctx, EventTypeLoanReturned, event)
}

// PublishNotificationBroadcast publishes a notification broadcast event
func (p *AMQPPublisher) PublishNotificationBroadcast(ctx context.Context, message string, recipients int) error {
	event := newEvent(EventTypeNotificationBroadcast, map[string]interface{}{
		"message":    message,
		"recipients": recipients,
	})
	return p.publishWithRetry(ctx, EventTypeNotificationBroadcast, event)
}

func newEvent(eventType string, payload map[string]interface{}) Event {
	return Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}
}

// publishWithRetry publishes an event with exponential backoff retry
func (p *AMQPPublisher) publishWithRetry(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		confirms := p.channel.NotifyPublish(make(chan amqp.Confirmation, 1))

		err := p.channel.PublishWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    event.EventID,
				Body:         body,
				Headers: amqp.Table{
					"event_type":    event.EventType,
					"event_version": event.EventVersion,
				},
			},
		)

		if err != nil {
			lastErr = err
			p.log.Warn("Failed to publish event, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		select {
		case confirm := <-confirms:
			if confirm.Ack {
				p.log.Info("Event published",
					zap.String("event_id", event.EventID),
					zap.String("event_type", event.EventType),
				)
				return nil
			}
			lastErr = fmt.Errorf("event not acknowledged")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			lastErr = fmt.Errorf("confirmation timeout")
		}

		p.log.Warn("Event publish not confirmed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	p.log.Error("Failed to publish event after retries",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxRetries, lastErr)
}

// IsHealthy checks if the publisher connection is healthy
func (p *AMQPPublisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the publisher connection
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	p.log.Info("Publisher closed")
	return nil
}

// NoopPublisher drops all events. Used when the broker is unavailable so
// the API keeps serving without event delivery.
type NoopPublisher struct{}

func (NoopPublisher) PublishLoanIssued(ctx context.Context, issueID, studentID, bookID uint, dueDate time.Time) error {
	return nil
}

func (NoopPublisher) PublishLoanReturned(ctx context.Context, issueID uint, penalty int64) error {
	return nil
}

func (NoopPublisher) PublishNotificationBroadcast(ctx context.Context, message string, recipients int) error {
	return nil
}

func (NoopPublisher) IsHealthy() bool { return true }

func (NoopPublisher) Close() error { return nil }
