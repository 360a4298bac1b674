// Package audit records authentication lifecycle events. Every event is
// logged through slog; when an AMQP publisher is attached the event is
// also published for downstream consumers (SIEM, billing, alerting).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types emitted by the authorization layer.
const (
	EventFlowStarted      = "authorization_flow_started"
	EventCodeIssued       = "authorization_code_issued"
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventRefreshFailed    = "refresh_failed"
	EventSessionRevoked   = "session_revoked"
	EventClientRegistered = "client_registered"
	EventAuthFailure      = "auth_failure"
)

// Event is one auth lifecycle occurrence.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher delivers events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Auditor fans events out to slog and an optional Publisher. The zero
// value is not usable; construct with New.
type Auditor struct {
	logger    *slog.Logger
	publisher Publisher
}

// New creates an Auditor. publisher may be nil.
func New(logger *slog.Logger, publisher Publisher) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, publisher: publisher}
}

// Log records an event. Publishing failures are logged and swallowed;
// auditing never fails the request path.
func (a *Auditor) Log(e Event) {
	if a == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	a.logger.Info("audit event",
		"type", e.Type,
		"session_id", e.SessionID,
		"client_id", e.ClientID,
		"details", e.Details,
	)
	if a.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.publisher.Publish(ctx, e); err != nil {
			a.logger.Warn("audit publish failed", "type", e.Type, "error", err)
		}
	}
}

// AuthFailure records a failed authentication or authorization attempt.
func (a *Auditor) AuthFailure(clientID, reason string) {
	a.Log(Event{Type: EventAuthFailure, ClientID: clientID, Details: map[string]any{"reason": reason}})
}

// Close releases the publisher, if any.
func (a *Auditor) Close() error {
	if a == nil || a.publisher == nil {
		return nil
	}
	return a.publisher.Close()
}

// AMQPPublisher publishes events to a fanout exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.At,
		Type:        e.Type,
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
