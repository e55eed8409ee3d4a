// Package events publishes domain events about patients and their images.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	PatientCreated = "patient.created"
	PatientUpdated = "patient.updated"
	PatientDeleted = "patient.deleted"
	ImageUploaded  = "image.uploaded"
	ImageDeleted   = "image.deleted"
)

// Event is the envelope written to the stream. AggregateID is the patient id
// for patient events and the image id for image events.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregateId"`
	PatientID   string          `json:"patientId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	ActorID     string          `json:"actorId,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp. payload is marshalled
// as JSON; a nil payload is omitted.
func New(eventType, aggregateID, patientID string, payload interface{}) (Event, error) {
	evt := Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		PatientID:   patientID,
		OccurredAt:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		evt.Payload = data
	}
	return evt, nil
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrorHandler is told about events the broker did not accept.
type ErrorHandler func(eventType string, err error)

// KafkaPublisher writes events to one topic, keyed by patient id so all
// events of a patient land on the same partition in order. Writes are
// asynchronous; delivery failures go to the ErrorHandler.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration

	mu      sync.RWMutex
	onError ErrorHandler
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	p := &KafkaPublisher{timeout: 5 * time.Second}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   p.complete,
	}
	return p
}

// SetErrorHandler registers fn for failed deliveries.
func (p *KafkaPublisher) SetErrorHandler(fn ErrorHandler) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

// Publish hands the event to the writer. The request context only carries
// values here: an event for a committed change is sent even if the caller
// has gone away.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.PatientID),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: typeHeader, Value: []byte(evt.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write %s event: %w", evt.Type, err)
	}
	return nil
}

const typeHeader = "type"

// complete is the writer's completion callback for asynchronous batches.
func (p *KafkaPublisher) complete(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.mu.RLock()
	onError := p.onError
	p.mu.RUnlock()
	if onError == nil {
		return
	}
	for _, msg := range msgs {
		eventType := ""
		for _, h := range msg.Headers {
			if h.Key == typeHeader {
				eventType = string(h.Value)
			}
		}
		onError(eventType, err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.Err
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of the published events in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
