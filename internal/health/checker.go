package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/replicate/cog-director/internal/events"
	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
)

const (
	// InitialInterval is short so setup completion is detected fast; the
	// director raises it once the container is ready.
	InitialInterval = 100 * time.Millisecond

	probeAttempts = 3
	probeBackoff  = 50 * time.Millisecond
)

// Fetcher probes the model container once and returns its health, plus any
// metadata reported alongside it.
type Fetcher func(ctx context.Context) (schema.Health, map[string]any)

// HTTPFetcher probes a cog health-check endpoint. Network errors and
// timeouts map to UNKNOWN.
func HTTPFetcher(url string, logger *logging.Logger) Fetcher {
	log := logger.Named("healthcheck").Sugar()
	client := &http.Client{Timeout: time.Second}

	return func(ctx context.Context) (schema.Health, map[string]any) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			log.Errorw("failed to create health-check request", "error", err)
			return schema.HealthUnknown, nil
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Tracew("health-check request failed", "error", err)
			return schema.HealthUnknown, nil
		}
		defer resp.Body.Close()

		var body struct {
			Status string         `json:"status"`
			Setup  map[string]any `json:"setup"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			log.Warnw("failed to decode health-check response", "error", err)
			return schema.HealthUnknown, nil
		}
		return schema.HealthFromString(body.Status), body.Setup
	}
}

// Checker polls the model container on a private schedule and emits a
// HealthEvent on the bus whenever the observed health changes, or when an
// explicit status request forces an emission.
type Checker struct {
	bus      *events.Bus
	fetch    Fetcher
	interval atomic.Int64 // nanoseconds

	lastHealth schema.Health

	force chan struct{}
	stop  chan struct{}
	done  chan struct{}

	logger *logging.Logger
}

func NewChecker(bus *events.Bus, fetch Fetcher, logger *logging.Logger) *Checker {
	c := &Checker{
		bus:        bus,
		fetch:      fetch,
		lastHealth: schema.HealthUnknown,
		force:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Named("healthchecker"),
	}
	c.interval.Store(int64(InitialInterval))
	return c
}

// Start launches the polling goroutine.
func (c *Checker) Start() {
	go c.run()
}

// Stop triggers termination of the polling goroutine.
func (c *Checker) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Join blocks until the polling goroutine has exited.
func (c *Checker) Join() {
	<-c.done
}

// SetInterval adjusts the polling cadence at runtime.
func (c *Checker) SetInterval(d time.Duration) {
	c.interval.Store(int64(d))
}

// RequestStatus triggers an out-of-band immediate probe whose result is
// emitted even if the health did not change.
func (c *Checker) RequestStatus() {
	select {
	case c.force <- struct{}{}:
	default:
		// A probe is already pending; it will emit.
	}
}

func (c *Checker) run() {
	defer close(c.done)

	for {
		interval := time.Duration(c.interval.Load())
		timer := time.NewTimer(interval)

		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-c.force:
			timer.Stop()
			c.probe(true)
		case <-timer.C:
			c.probe(false)
		}
	}
}

// probe fetches health with bounded retries and emits when the health
// changed or the probe was explicitly requested. The retry budget stays
// below the polling interval so forced probes answer quickly.
func (c *Checker) probe(forced bool) {
	log := c.logger.Sugar()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.interval.Load()))
	defer cancel()

	health, meta := c.fetch(ctx)
	backoff := probeBackoff
	for attempt := 1; health == schema.HealthUnknown && attempt < probeAttempts; attempt++ {
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		health, meta = c.fetch(ctx)
	}

	if health == c.lastHealth && !forced {
		return
	}
	if health != c.lastHealth {
		log.Infow("model container health changed",
			"previous", c.lastHealth.String(),
			"current", health.String(),
		)
	}
	c.lastHealth = health
	c.bus.Offer(events.HealthEvent{Health: health, Meta: meta})
}
