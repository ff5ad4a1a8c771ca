package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys published on the events exchange.
const (
	TypeBoletoIssued       = "boleto.issued.v1"
	TypeBoletoRenegotiated = "boleto.renegotiated.v1"
	TypeBoletoFailed       = "boleto.failed.v1"
)

const source = "sisvida-boleto"

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id and the current time.
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Time:          time.Now().UTC(),
			CorrelationID: correlationID,
			Source:        source,
		},
		Data: data,
	}
}

// BoletoIssued is the payload of boleto.issued and boleto.renegotiated.
type BoletoIssued struct {
	ClinicID       string `json:"clinic_id"`
	EmployerID     string `json:"employer_id"`
	ContributionID string `json:"contribution_id"`
	Phone          string `json:"phone"`
	TypeName       string `json:"contribution_type,omitempty"`
	Competence     string `json:"competence"`
	ValueCents     int64  `json:"value_cents"`
	DueDate        string `json:"due_date"`
}

// BoletoFailed is the payload of boleto.failed.
type BoletoFailed struct {
	ClinicID string `json:"clinic_id"`
	Phone    string `json:"phone"`
	Reason   string `json:"reason"`
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Nop drops every event. Used when AMQP_URL is not set.
type Nop struct{}

func (Nop) Publish(ctx context.Context, env Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// AMQP publishes envelopes as persistent JSON messages on a topic exchange,
// using Meta.Type as routing key.
type AMQP struct {
	url      string
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// Dial connects and declares the topic exchange.
func Dial(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	p := &AMQP{url: url, conn: conn, exchange: exchange}
	if err := p.declare(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQP) declare() error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange %s: %w", p.exchange, err)
	}
	return nil
}

// reconnect drops the channel and, when the broker closed it, redials the connection.
func (p *AMQP) reconnect() error {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return fmt.Errorf("amqp redial: %w", err)
		}
		p.conn = conn
	}
	return p.declare()
}

func (p *AMQP) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQP) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		AppId:         source,
		Body:          body,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	publish := func() error {
		ch, err := p.channel()
		if err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, p.exchange, env.Meta.Type, false, false, msg)
	}
	return retryOnce(ctx, jittered(republishDelay, 25), publish, p.reconnect)
}

const republishDelay = 200 * time.Millisecond

// retryOnce runs publish and, after a failure, waits delay, calls reset and publishes once more.
func retryOnce(ctx context.Context, delay time.Duration, publish, reset func() error) error {
	err := publish()
	if err == nil {
		return nil
	}
	log.Printf("[events] publish failed, reconnecting: %v", err)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	if rerr := reset(); rerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, rerr)
	}
	return publish()
}

// jittered spreads base by up to pct percent either way.
func jittered(base time.Duration, pct int) time.Duration {
	delta := (rand.Float64()*2 - 1) * float64(pct) / 100
	if d := time.Duration(float64(base) * (1 + delta)); d > 0 {
		return d
	}
	return base
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// Open returns an AMQP publisher, or Nop when url is empty or the broker is unreachable.
func Open(url, exchange string) Publisher {
	if url == "" {
		log.Printf("[events] AMQP_URL not set, domain events disabled")
		return Nop{}
	}
	p, err := Dial(url, exchange)
	if err != nil {
		log.Printf("[events] %v; domain events disabled", err)
		return Nop{}
	}
	log.Printf("[events] publishing to exchange %s", exchange)
	return p
}
