package events

import (
	"time"

	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
)

// Event is the tagged union carried on the bus: health updates from the
// healthchecker and prediction updates relayed by the webhook ingress.
type Event interface {
	isEvent()
}

// HealthEvent reports a model container health transition.
type HealthEvent struct {
	Health schema.Health
	Meta   map[string]any
}

// WebhookEvent carries a prediction update posted back by the model container.
type WebhookEvent struct {
	Payload schema.PredictionResponse
}

func (HealthEvent) isEvent()  {}
func (WebhookEvent) isEvent() {}

const (
	webhookOfferRetries = 3
	webhookOfferBackoff = 100 * time.Millisecond
)

// Bus is a bounded multi-producer, single-consumer FIFO of events. The
// director is the only consumer; the healthchecker and the webhook ingress
// produce concurrently.
type Bus struct {
	ch     chan Event
	logger *logging.Logger
}

func NewBus(capacity int, logger *logging.Logger) *Bus {
	return &Bus{
		ch:     make(chan Event, capacity),
		logger: logger.Named("events"),
	}
}

// Offer enqueues an event without blocking the producer. When the bus is
// full, health events are dropped (the next probe coalesces the state), while
// webhook events apply brief backpressure before being dropped with an error:
// losing one can stall a running prediction until its next update.
func (b *Bus) Offer(e Event) bool {
	select {
	case b.ch <- e:
		return true
	default:
	}

	log := b.logger.Sugar()
	switch e.(type) {
	case WebhookEvent:
		for i := 0; i < webhookOfferRetries; i++ {
			select {
			case b.ch <- e:
				return true
			case <-time.After(webhookOfferBackoff):
			}
		}
		log.Errorw("dropping webhook event: bus full", "capacity", cap(b.ch))
	default:
		log.Warnw("dropping health event: bus full", "capacity", cap(b.ch))
	}
	return false
}

// Poll blocks for up to timeout and returns the next event in submission
// order, or false if none arrived.
func (b *Bus) Poll(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-b.ch:
		return e, true
	case <-timer.C:
		return nil, false
	}
}
