package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"shiftline/internal/engine/events"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
)

const (
	SubscriberName     = "webhooks"
	SubscriberPriority = 100
)

type EndpointFinder interface {
	ListActiveForEvent(ctx context.Context, orgID string, eventType models.EventType) ([]*models.WebhookEndpoint, error)
}

type DeliveryCreator interface {
	Create(ctx context.Context, d *models.Delivery) error
}

// Subscriber turns bus events into one delivery chain per interested endpoint.
type Subscriber struct {
	endpoints   EndpointFinder
	deliveries  DeliveryCreator
	queue       queue.Enqueuer
	maxAttempts int
	log         zerolog.Logger
}

func NewSubscriber(endpoints EndpointFinder, deliveries DeliveryCreator, q queue.Enqueuer, maxAttempts int) *Subscriber {
	if maxAttempts <= 0 {
		maxAttempts = MaxAttempts
	}
	return &Subscriber{
		endpoints:   endpoints,
		deliveries:  deliveries,
		queue:       q,
		maxAttempts: maxAttempts,
		log:         logger.Component("webhook-subscriber"),
	}
}

// Initializer registers the subscriber on the bus's first publish.
func (s *Subscriber) Initializer() events.Initializer {
	return func(r *events.Registry) error {
		return r.Register(events.Subscriber{Name: SubscriberName, Priority: SubscriberPriority, Handler: s.Handle})
	}
}

// BuildWirePayload is the body sent to every endpoint for event. The id is the
// event's source id when present so receivers can dedupe on it.
func BuildWirePayload(event models.EventPayload) models.WirePayload {
	id := event.SourceID
	if id == "" {
		id = uuid.New().String()
	}
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	return models.WirePayload{ID: id, Type: event.Type, CreatedAt: event.Timestamp.UTC(), Data: data}
}

// Handle creates and enqueues a delivery for each active endpoint subscribed
// to the event type. A failure for one endpoint is logged and does not stop
// the others; only the endpoint lookup itself returns an error.
func (s *Subscriber) Handle(ctx context.Context, event models.EventPayload) error {
	endpoints, err := s.endpoints.ListActiveForEvent(ctx, event.OrganizationID, event.Type)
	if err != nil {
		return fmt.Errorf("find endpoints for %s: %w", event.Type, err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	wire := BuildWirePayload(event)
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type, err)
	}

	for _, e := range endpoints {
		if _, err := scheduleDelivery(ctx, s.deliveries, s.queue, s.maxAttempts, e, event.Type, wire.ID, body); err != nil {
			s.log.Error().Err(err).
				Str("endpoint_id", e.ID).
				Str("organization_id", event.OrganizationID).
				Str("event_type", string(event.Type)).
				Msg("failed to schedule webhook delivery")
		}
	}
	return nil
}

// scheduleDelivery snapshots the endpoint URL and payload into a new delivery
// and enqueues its first attempt.
func scheduleDelivery(ctx context.Context, deliveries DeliveryCreator, q queue.Enqueuer, maxAttempts int,
	e *models.WebhookEndpoint, eventType models.EventType, eventID string, body []byte) (*models.Delivery, error) {
	d := &models.Delivery{
		WebhookEndpointID: e.ID,
		OrganizationID:    e.OrganizationID,
		URL:               e.URL,
		EventType:         eventType,
		Payload:           body,
		EventID:           eventID,
		Status:            models.DeliveryPending,
		AttemptNumber:     1,
		MaxAttempts:       maxAttempts,
		ScheduledAt:       time.Now().UTC(),
	}
	if err := deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	if err := Enqueue(ctx, q, d.ID, 1, 0); err != nil {
		return d, fmt.Errorf("enqueue delivery %s: %w", d.ID, err)
	}
	return d, nil
}
