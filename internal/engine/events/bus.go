// Package events is the in-process event bus. Business code publishes after a
// state change commits; subscribers fan the event out to their own systems.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/metrics"
	"shiftline/internal/platform/models"
)

// Handler receives a published event.
type Handler func(ctx context.Context, event models.EventPayload) error

type Subscriber struct {
	Name     string
	Priority int
	Handler  Handler
}

// Registry holds the process-wide subscribers. Names are unique.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds s. A duplicate or empty name is a configuration error.
func (r *Registry) Register(s Subscriber) error {
	if s.Name == "" {
		return &apperrors.ConfigurationError{Reason: "subscriber name is required"}
	}
	if s.Handler == nil {
		return &apperrors.ConfigurationError{Reason: fmt.Sprintf("subscriber %q has no handler", s.Name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs {
		if existing.Name == s.Name {
			return &apperrors.ConfigurationError{Reason: fmt.Sprintf("subscriber %q is already registered", s.Name)}
		}
	}
	r.subs = append(r.subs, s)
	sort.SliceStable(r.subs, func(i, j int) bool { return r.subs[i].Priority < r.subs[j].Priority })
	return nil
}

// MustRegister is Register for process start, where a failure is fatal.
func (r *Registry) MustRegister(s Subscriber) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Unregister removes the named subscriber and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.Name == name {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a snapshot ordered by ascending priority.
func (r *Registry) List() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, len(r.subs))
	copy(out, r.subs)
	return out
}

// Initializer registers default subscribers on first publish.
type Initializer func(*Registry) error

// Report summarizes one publication.
type Report struct {
	Subscribers int
	Failures    []*apperrors.SubscriberError
}

type Bus struct {
	registry     *Registry
	initializers []Initializer
	initOnce     sync.Once
	log          zerolog.Logger
}

func NewBus(registry *Registry, initializers ...Initializer) *Bus {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Bus{
		registry:     registry,
		initializers: initializers,
		log:          logger.Component("event-bus"),
	}
}

func (b *Bus) Registry() *Registry {
	return b.registry
}

// ensureInitialized runs the initializers once. A failing initializer is
// logged and the bus continues with whatever subscribers did register.
func (b *Bus) ensureInitialized() {
	b.initOnce.Do(func() {
		for i, fn := range b.initializers {
			if err := b.safeInit(fn); err != nil {
				b.log.Error().Err(err).Int("initializer", i).Msg("default subscriber initialization failed")
			}
		}
	})
}

func (b *Bus) safeInit(fn Initializer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(b.registry)
}

// Publish runs every subscriber concurrently and waits for all of them.
// Subscriber failures are logged and reported but never returned as an error.
func (b *Bus) Publish(ctx context.Context, event models.EventPayload) Report {
	b.ensureInitialized()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	subs := b.registry.List()
	report := Report{Subscribers: len(subs)}
	if len(subs) == 0 {
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, s := range subs {
		g.Go(func() error {
			if err := invoke(ctx, s, event); err != nil {
				metrics.SubscriberFailures.WithLabelValues(s.Name).Inc()
				b.log.Error().Err(err.Err).
					Str("subscriber", s.Name).
					Str("event_type", string(event.Type)).
					Str("organization_id", event.OrganizationID).
					Msg("event subscriber failed")
				mu.Lock()
				report.Failures = append(report.Failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return report
}

func invoke(ctx context.Context, s Subscriber, event models.EventPayload) (serr *apperrors.SubscriberError) {
	defer func() {
		if r := recover(); r != nil {
			serr = &apperrors.SubscriberError{Subscriber: s.Name, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	if err := s.Handler(ctx, event); err != nil {
		return &apperrors.SubscriberError{Subscriber: s.Name, Err: err}
	}
	return nil
}

// PublishAsync publishes on a detached goroutine. The caller's cancellation
// does not reach subscribers. The returned channel yields the report once and
// may be ignored.
func (b *Bus) PublishAsync(ctx context.Context, event models.EventPayload) <-chan Report {
	done := make(chan Report, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().
					Str("event_type", string(event.Type)).
					Str("stack", string(debug.Stack())).
					Msgf("panic in detached publish: %v", r)
			}
		}()
		done <- b.Publish(detached, event)
	}()
	return done
}

// New builds an event stamped with the current time.
func New(eventType models.EventType, organizationID string, data map[string]any, sourceID string) models.EventPayload {
	if data == nil {
		data = map[string]any{}
	}
	return models.EventPayload{
		Type:           eventType,
		OrganizationID: organizationID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
		SourceID:       sourceID,
	}
}
