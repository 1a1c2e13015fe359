// Package actionbus publishes engine actions to RabbitMQ for downstream
// workers (appointment creation, doctor paging, operator inbox, delivery).
package actionbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"clinic-assistant/internal/domain"
)

const producer = "clinic-assistant"

// Meta identifies one published action.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id"`
	SessionID     string    `json:"session_id,omitempty"`
}

type Envelope struct {
	Meta Meta           `json:"meta"`
	Data map[string]any `json:"data"`
}

// Source ties a batch of actions to the message that produced them.
type Source struct {
	TenantID      string
	SessionID     string
	CorrelationID string
}

// RoutingKey maps an action type to its topic, e.g. clinic.create_appointment.v1.
func RoutingKey(t domain.ActionType) string {
	return "clinic." + string(t) + ".v1"
}

// channelAPI is the subset of *amqp091.Channel the publisher uses.
type channelAPI interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type Publisher struct {
	open     func() (channelAPI, error)
	closer   func() error
	exchange string
	log      *slog.Logger
	now      func() time.Time
}

// Dial connects to the broker and declares exchange as a durable topic
// exchange.
func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("actionbus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("actionbus: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("actionbus: declare exchange %q: %w", exchange, err)
	}

	p, err := newPublisher(func() (channelAPI, error) { return conn.Channel() }, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.closer = conn.Close
	return p, nil
}

func newPublisher(open func() (channelAPI, error), exchange string, logger *slog.Logger) (*Publisher, error) {
	if open == nil {
		return nil, errors.New("actionbus: channel opener must not be nil")
	}
	if exchange == "" {
		return nil, errors.New("actionbus: exchange must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{open: open, exchange: exchange, log: logger, now: time.Now}, nil
}

// Publish sends every action as a persistent JSON envelope on one channel.
// All actions are attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, src Source, actions ...domain.Action) error {
	if len(actions) == 0 {
		return nil
	}
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("actionbus: open channel: %w", err)
	}
	defer ch.Close()

	cid := src.CorrelationID
	if cid == "" {
		cid = uuid.NewString()
	}
	var errs []error
	for _, a := range actions {
		env := Envelope{
			Meta: Meta{
				ID:            uuid.NewString(),
				CorrelationID: cid,
				Producer:      producer,
				Time:          p.now().UTC(),
				Type:          RoutingKey(a.Type),
				TenantID:      src.TenantID,
				SessionID:     src.SessionID,
			},
			Data: a.Data,
		}
		body, err := json.Marshal(env)
		if err != nil {
			errs = append(errs, fmt.Errorf("actionbus: marshal %s: %w", a.Type, err))
			continue
		}
		key := RoutingKey(a.Type)
		err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: cid,
			Type:          env.Meta.Type,
			Timestamp:     env.Meta.Time,
			Body:          body,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("actionbus: publish %s: %w", key, err))
			continue
		}
		p.log.Info("published", slog.String("key", key), slog.String("exchange", p.exchange), slog.String("tenant", src.TenantID))
	}
	return errors.Join(errs...)
}

func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
