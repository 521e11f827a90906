package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/pkg/urlguard"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
	maxURLLength         = 2048
	DefaultPageLimit     = 20
	MaxPageLimit         = 100
)

// EndpointRepository is the endpoint persistence behind the management service.
type EndpointRepository interface {
	Create(ctx context.Context, e *models.WebhookEndpoint) error
	GetForOrganization(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error)
	ListByOrganization(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error)
	Update(ctx context.Context, e *models.WebhookEndpoint) error
	Delete(ctx context.Context, orgID, id string) error
	UpdateSecret(ctx context.Context, orgID, id, secret string) error
	SetActive(ctx context.Context, orgID, id string, active bool) (bool, error)
}

// DeliveryRepository is the delivery persistence behind the management service.
type DeliveryRepository interface {
	Create(ctx context.Context, d *models.Delivery) error
	ListByEndpoint(ctx context.Context, orgID, endpointID string, limit, offset int) ([]*models.Delivery, int, error)
}

type CreateEndpointInput struct {
	Name             string             `json:"name"`
	URL              string             `json:"url"`
	SubscribedEvents []models.EventType `json:"subscribed_events"`
	Description      string             `json:"description"`
}

// UpdateEndpointInput is a partial update; nil fields are left unchanged.
type UpdateEndpointInput struct {
	Name             *string             `json:"name"`
	URL              *string             `json:"url"`
	SubscribedEvents *[]models.EventType `json:"subscribed_events"`
	IsActive         *bool               `json:"is_active"`
	Description      *string             `json:"description"`
}

// Service is the tenant-facing management surface for endpoints and delivery logs.
type Service struct {
	endpoints   EndpointRepository
	deliveries  DeliveryRepository
	queue       queue.Enqueuer
	validator   URLValidator
	product     string
	maxAttempts int
	log         zerolog.Logger
}

type ServiceConfig struct {
	Endpoints   EndpointRepository
	Deliveries  DeliveryRepository
	Queue       queue.Enqueuer
	Validator   URLValidator
	ProductName string
	MaxAttempts int
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		endpoints:   cfg.Endpoints,
		deliveries:  cfg.Deliveries,
		queue:       cfg.Queue,
		validator:   cfg.Validator,
		product:     cfg.ProductName,
		maxAttempts: cfg.MaxAttempts,
		log:         logger.Component("webhook-service"),
	}
	if s.product == "" {
		s.product = DefaultProductName
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = MaxAttempts
	}
	if s.validator == nil {
		s.validator = urlguard.New(nil)
	}
	return s
}

// CreateEndpoint validates input, generates a signing secret and stores the
// endpoint. The returned endpoint carries the plaintext secret; it is never
// readable again.
func (s *Service) CreateEndpoint(ctx context.Context, orgID, createdBy string, in CreateEndpointInput) (*models.WebhookEndpoint, error) {
	name := strings.TrimSpace(in.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	rawURL := strings.TrimSpace(in.URL)
	if err := s.validateURL(ctx, rawURL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.SubscribedEvents)
	if err != nil {
		return nil, err
	}
	if len(in.Description) > maxDescriptionLength {
		return nil, apperrors.NewValidationError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	e := &models.WebhookEndpoint{
		OrganizationID:   orgID,
		Name:             name,
		URL:              rawURL,
		Secret:           secret,
		SubscribedEvents: events,
		IsActive:         true,
		Description:      in.Description,
		CreatedBy:        createdBy,
	}
	if err := s.endpoints.Create(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().Str("endpoint_id", e.ID).Str("organization_id", orgID).Msg("webhook endpoint created")
	return e, nil
}

// UpdateEndpoint applies a partial update. Activation is only written when
// IsActive is set, so an endpoint the worker disabled stays disabled across
// unrelated edits. Re-enabling clears its consecutive failure count.
func (s *Service) UpdateEndpoint(ctx context.Context, orgID, id string, in UpdateEndpointInput) (*models.WebhookEndpoint, error) {
	e, err := s.endpoints.GetForOrganization(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if err := validateName(name); err != nil {
			return nil, err
		}
		e.Name = name
	}
	if in.URL != nil {
		rawURL := strings.TrimSpace(*in.URL)
		if err := s.validateURL(ctx, rawURL); err != nil {
			return nil, err
		}
		e.URL = rawURL
	}
	if in.SubscribedEvents != nil {
		events, err := normalizeEvents(*in.SubscribedEvents)
		if err != nil {
			return nil, err
		}
		e.SubscribedEvents = events
	}
	if in.Description != nil {
		if len(*in.Description) > maxDescriptionLength {
			return nil, apperrors.NewValidationError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
		}
		e.Description = *in.Description
	}

	if err := s.endpoints.Update(ctx, e); err != nil {
		return nil, err
	}
	if in.IsActive != nil {
		changed, err := s.endpoints.SetActive(ctx, orgID, e.ID, *in.IsActive)
		if err != nil {
			return nil, err
		}
		if changed && *in.IsActive {
			s.log.Info().Str("endpoint_id", e.ID).Msg("webhook endpoint re-enabled")
		}
	}

	return s.GetEndpoint(ctx, orgID, id)
}

func (s *Service) DeleteEndpoint(ctx context.Context, orgID, id string) error {
	if err := s.endpoints.Delete(ctx, orgID, id); err != nil {
		return err
	}
	s.log.Info().Str("endpoint_id", id).Str("organization_id", orgID).Msg("webhook endpoint deleted")
	return nil
}

// RegenerateSecret replaces the signing secret and returns the new plaintext
// once. The previous secret stops working immediately.
func (s *Service) RegenerateSecret(ctx context.Context, orgID, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := s.endpoints.UpdateSecret(ctx, orgID, id, secret); err != nil {
		return "", err
	}
	s.log.Info().Str("endpoint_id", id).Msg("webhook secret regenerated")
	return secret, nil
}

func (s *Service) GetEndpoint(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error) {
	e, err := s.endpoints.GetForOrganization(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	e.Secret = ""
	return e, nil
}

func (s *Service) ListEndpoints(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error) {
	endpoints, err := s.endpoints.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, e := range endpoints {
		e.Secret = ""
	}
	if endpoints == nil {
		endpoints = []*models.WebhookEndpoint{}
	}
	return endpoints, nil
}

// SendTestEvent schedules a webhook.test delivery to one endpoint regardless
// of its subscriptions. It goes through the queue like any other delivery.
func (s *Service) SendTestEvent(ctx context.Context, orgID, id string) (*models.Delivery, error) {
	e, err := s.endpoints.GetForOrganization(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !e.IsActive {
		return nil, apperrors.NewValidationError("is_active", "endpoint is disabled; enable it before sending a test event")
	}

	wire := BuildWirePayload(models.EventPayload{
		Type:           models.EventWebhookTest,
		OrganizationID: orgID,
		Timestamp:      time.Now().UTC(),
		Data: map[string]any{
			"message":   fmt.Sprintf("This is a test event from %s.", s.product),
			"webhookId": e.ID,
		},
	})
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return scheduleDelivery(ctx, s.deliveries, s.queue, s.maxAttempts, e, models.EventWebhookTest, wire.ID, body)
}

// ListDeliveries returns one page of an endpoint's delivery log, newest first.
func (s *Service) ListDeliveries(ctx context.Context, orgID, endpointID string, limit, offset int) (*models.DeliveryPage, error) {
	if _, err := s.endpoints.GetForOrganization(ctx, orgID, endpointID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	deliveries, total, err := s.deliveries.ListByEndpoint(ctx, orgID, endpointID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &models.DeliveryPage{Deliveries: deliveries, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *Service) validateURL(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return apperrors.NewValidationError("url", "is required")
	}
	if len(rawURL) > maxURLLength {
		return apperrors.NewValidationError("url", fmt.Sprintf("must be at most %d characters", maxURLLength))
	}
	if res := s.validator.Validate(ctx, rawURL); !res.Valid {
		return apperrors.NewValidationError("url", res.Reason)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return apperrors.NewValidationError("name", "is required")
	}
	if len(name) > maxNameLength {
		return apperrors.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

// normalizeEvents rejects unknown types and drops duplicates, keeping order.
func normalizeEvents(in []models.EventType) ([]models.EventType, error) {
	if len(in) == 0 {
		return nil, apperrors.NewValidationError("subscribed_events", "at least one event type is required")
	}
	seen := make(map[models.EventType]struct{}, len(in))
	out := make([]models.EventType, 0, len(in))
	for _, t := range in {
		if !models.IsKnownEventType(t) {
			return nil, apperrors.NewValidationError("subscribed_events", fmt.Sprintf("unknown event type %q", t))
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
