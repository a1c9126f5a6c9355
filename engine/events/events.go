// Package events publishes domain events (ingest reports, completed publish
// jobs) to NATS or Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/ponsauto/pons/pkg/natsutil"
)

// Subjects emitted by the services.
const (
	SubjectIngested     = "vehicle.ingested"
	SubjectJobCompleted = "publish.job.completed"
)

// Subjects lists every subject in emission order.
var Subjects = []string{SubjectIngested, SubjectJobCompleted}

// Publisher emits an event on subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Keyed events choose their Kafka partition key.
type Keyed interface {
	EventKey() string
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// NATS publishes JSON events with trace headers.
type NATS struct {
	nc natsutil.Conn
}

// NewNATS creates a NATS publisher.
func NewNATS(nc natsutil.Conn) *NATS { return &NATS{nc: nc} }

func (p *NATS) Publish(ctx context.Context, subject string, v any) error {
	return natsutil.Publish(ctx, p.nc, subject, v)
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each subject to the topic of the same name.
type Kafka struct {
	w messageWriter
}

// NewKafka creates a synchronous Kafka publisher on brokers.
func NewKafka(brokers []string) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Kafka) Publish(ctx context.Context, subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", subject, err)
	}
	msg := kafka.Message{Topic: subject, Value: b}
	if k, ok := v.(Keyed); ok {
		msg.Key = []byte(k.EventKey())
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Kafka) Close() error { return p.w.Close() }

// Watch subscribes to every subject and hands raw payloads to fn.
func Watch(nc *nats.Conn, fn func(ctx context.Context, subject string, payload json.RawMessage)) ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(Subjects))
	for _, subject := range Subjects {
		sub, err := natsutil.Subscribe(nc, subject, func(ctx context.Context, payload json.RawMessage) {
			fn(ctx, subject, payload)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("events: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
