// Package delivery hands scheduled export messages to the mail pipeline.
//
// The engine never speaks SMTP. AMQPMailer publishes each message as a JSON
// envelope onto a durable outbox queue that a separate mail relay consumes.
// LogMailer is used when no broker is configured.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the wire form of a message on the outbox queue.
type Envelope struct {
	ID          string               `json:"id"`
	From        string               `json:"from"`
	To          []string             `json:"to"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	Attachments []EnvelopeAttachment `json:"attachments,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// EnvelopeAttachment carries file content base64-encoded by encoding/json.
type EnvelopeAttachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// NewEnvelope builds the envelope for msg.
func NewEnvelope(from string, msg core.Message, now time.Time) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        msg.Recipients,
		Subject:   msg.Subject,
		Body:      msg.Body,
		CreatedAt: now.UTC(),
	}
	for _, a := range msg.Attachments {
		env.Attachments = append(env.Attachments, EnvelopeAttachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	return env
}

// publisher is the part of *amqp.Channel the mailer needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPMailer publishes messages to a durable queue on the default exchange.
type AMQPMailer struct {
	conn  *amqp.Connection
	ch    publisher
	queue string
	from  string

	mu sync.Mutex
}

var _ core.Mailer = (*AMQPMailer)(nil)

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue, from string) (*AMQPMailer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPMailer{conn: conn, ch: ch, queue: queue, from: from}, nil
}

// Send publishes msg as a persistent JSON message.
func (m *AMQPMailer) Send(ctx context.Context, msg core.Message) error {
	if len(msg.Recipients) == 0 {
		return errors.New("no recipients")
	}

	env := NewEnvelope(m.from, msg, time.Now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	// amqp channels are not safe for concurrent publishes.
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.ch.PublishWithContext(ctx,
		"",      // exchange
		m.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Timestamp:    env.CreatedAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", m.queue, err)
	}

	slog.Info("delivery queued",
		"message_id", env.ID,
		"recipients", len(env.To),
		"attachments", len(env.Attachments),
	)
	return nil
}

// Close closes the channel and connection.
func (m *AMQPMailer) Close() error {
	err := m.ch.Close()
	if m.conn != nil {
		if cerr := m.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LogMailer records deliveries in the log without sending them.
type LogMailer struct {
	Logger *slog.Logger
}

var _ core.Mailer = LogMailer{}

func (m LogMailer) Send(_ context.Context, msg core.Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, len(msg.Attachments))
	for i, a := range msg.Attachments {
		names[i] = a.FileName
	}
	logger.Info("delivery skipped, no broker configured",
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"attachments", names,
	)
	return nil
}
