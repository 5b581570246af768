package director

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/replicate/cog-director/internal/config"
	"github.com/replicate/cog-director/internal/events"
	"github.com/replicate/cog-director/internal/health"
	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/monitor"
	"github.com/replicate/cog-director/internal/queue"
	"github.com/replicate/cog-director/internal/schema"
	"github.com/replicate/cog-director/internal/tracker"
	"github.com/replicate/cog-director/internal/upload"
	"github.com/replicate/cog-director/internal/webhook"
	"github.com/replicate/cog-director/internal/worker"
)

const (
	// setupPollInterval paces bus polls while waiting for model setup.
	setupPollInterval = time.Second

	// shutdownRequestTimeout bounds the final shutdown request to the model
	// container. The container is co-resident so anything slower means it is
	// already gone.
	shutdownRequestTimeout = time.Second

	createRetryMax = 3
)

// Director drives one model container: it consumes prediction messages from
// the queue one at a time, dispatches each to the container, relays state
// updates to the caller's webhook, and enforces timeouts and health-based
// aborts. It exits when its queue assignment is revoked, on a signal, or
// after too many consecutive failures.
type Director struct {
	cfg      config.Config
	bus      *events.Bus
	checker  *health.Checker
	worker   *worker.Worker
	consumer *queue.Consumer
	monitor  *monitor.Monitor

	// createClient retries POSTs on transient errors; the plain client is
	// for requests that must not be replayed.
	createClient *http.Client
	plainClient  *http.Client

	shouldExit   atomic.Bool
	failureCount int

	hooks  []func()
	tracer trace.Tracer
	logger *logging.Logger
}

func New(
	cfg config.Config,
	bus *events.Bus,
	checker *health.Checker,
	w *worker.Worker,
	consumer *queue.Consumer,
	mon *monitor.Monitor,
	logger *logging.Logger,
) *Director {
	return &Director{
		cfg:          cfg,
		bus:          bus,
		checker:      checker,
		worker:       w,
		consumer:     consumer,
		monitor:      mon,
		createClient: webhook.NewRetryClient(createRetryMax),
		plainClient:  &http.Client{},
		tracer:       otel.Tracer("cog-director"),
		logger:       logger.Named("director"),
	}
}

// RegisterShutdownHook adds a function to run after the worker has been
// deregistered. Hooks run in registration order.
func (d *Director) RegisterShutdownHook(hook func()) {
	d.hooks = append(d.hooks, hook)
}

// Start runs the director until an exit condition holds, then shuts down the
// model container and runs the registered hooks. It blocks for the lifetime
// of the process.
func (d *Director) Start(ctx context.Context) error {
	log := d.logger.Sugar()

	// From here on signals request a graceful exit at the next safe point.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		log.Warnw("received signal, exiting after current prediction", "signal", sig.String())
		d.shouldExit.Store(true)
	}()

	if err := writeReadyFile(); err != nil {
		log.Warnw("failed to write ready file", "error", err)
	}
	d.worker.Prepare()

	err := d.setup(ctx)
	if err == nil {
		d.worker.Idle()
		d.loop(ctx)
	}

	log.Infow("shutting down worker: bye bye!")
	d.shutdownModel(ctx)
	d.worker.Shutdown()
	for _, hook := range d.hooks {
		hook()
	}
	return err
}

// setup blocks until the model container reports READY or SETUP_FAILED.
func (d *Director) setup(ctx context.Context) error {
	log := d.logger.Sugar()
	log.Infow("setup: waiting for model container")

	for {
		if d.shouldExit.Load() || d.worker.Expired() {
			return fmt.Errorf("aborted while waiting for model setup")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		event, ok := d.bus.Poll(setupPollInterval)
		if !ok {
			continue
		}
		he, ok := event.(events.HealthEvent)
		if !ok {
			continue
		}
		d.monitor.ObserveHealth(he.Health)

		switch he.Health {
		case schema.HealthReady:
			log.Infow("setup: model container is ready", "setup", he.Meta)
			// Setup is over; the aggressive initial polling can relax.
			d.checker.SetInterval(5 * time.Second)
			return nil
		case schema.HealthSetupFailed:
			log.Errorw("setup: model container failed setup", "setup", he.Meta)
			return fmt.Errorf("model container failed setup")
		}
	}
}

// loop consumes the assigned queue until an exit condition holds. Each
// Consume call returns on idle timeout, abort, or queue switch; the loop
// rechecks the assignment and goes again.
func (d *Director) loop(ctx context.Context) {
	log := d.logger.Sugar()

	for {
		if d.shouldExit.Load() || ctx.Err() != nil {
			return
		}
		if d.worker.Expired() {
			log.Infow("no next queue to consume")
			return
		}

		err := d.consumer.Consume(ctx, queue.Spec{
			Queue: d.worker.Queue(),
			OnMessage: func(ctx context.Context, msg *queue.Message) {
				d.onMessage(ctx, msg)
			},
			OnPreMessage: d.confirmModelHealth,
			Aborted: func() bool {
				return d.shouldExit.Load() || d.worker.Expired()
			},
			Switched:       d.worker.Switched,
			OnStartConsume: d.worker.ClearSwitched,
			Timeout:        d.cfg.ConsumeTimeout,
		})
		if err != nil {
			log.Errorw("consumer exited with error", "error", err)
			return
		}
	}
}

// onMessage handles one delivered prediction message. The message is acked
// unconditionally once handling finishes: delivery is at-most-once past this
// point, and failures are reported through the tracker instead of redelivery.
func (d *Director) onMessage(ctx context.Context, msg *queue.Message) {
	log := d.logger.Sugar()
	log.Infow("received message", "queue", d.worker.Queue())

	d.worker.Busy()
	ctx, span := d.tracer.Start(ctx, "cog.prediction")

	defer func() {
		span.End()
		d.monitor.SetCurrentPrediction(nil)
		if err := msg.Ack(ctx); err != nil {
			log.Errorw("failed to ack message", "error", err)
		} else {
			log.Infow("acked message")
		}
		d.worker.Idle()
	}()

	if err := d.handleMessage(ctx, span, msg); err != nil {
		log.Errorw("failed to handle message", "error", err)
		d.recordFailure(span)
	}
}

// handleMessage runs the full lifecycle of one prediction. Outcomes are
// reported through the tracker and counted by finish; the returned error
// covers only failures before a tracker exists.
func (d *Director) handleMessage(ctx context.Context, span trace.Span, msg *queue.Message) error {
	log := d.logger.Sugar()

	message, err := schema.ParseMessage(msg.Body)
	if err != nil {
		return err
	}
	log = log.With("prediction_id", message.ID)
	span.SetAttributes(attribute.String("prediction.id", message.ID))

	var uploader *upload.Caller
	if message.Upload != nil {
		uploader, err = upload.NewCaller(*message.Upload, d.logger)
		if err != nil {
			// The prediction can still run; outputs stay inlined.
			log.Warnw("failed to configure output upload", "error", err)
			uploader = nil
		}
	}

	var emit webhook.Caller
	if message.Webhook != nil && message.Webhook.URL != "" {
		emit = webhook.NewCaller(message.Webhook.URL, message.Webhook.Headers, uploader, d.logger)
	}

	initial, err := message.Response()
	if err != nil {
		return err
	}
	setSpanAttributes(span, initial)
	d.monitor.SetCurrentPrediction(&initial)

	tr := tracker.New(initial, emit, d.logger)

	status, body, err := d.createPrediction(ctx, message)
	switch {
	case err != nil:
		log.Errorw("prediction failed: could not create prediction", "error", err)
		tr.Fail("Unknown error handling prediction.")
		d.finish(span, tr)
		return nil
	case status == http.StatusUnprocessableEntity:
		log.Warnw("prediction failed: failed input validation", "status_code", status, "response", string(body))
		tr.Fail("Prediction input failed validation: " + string(body))
		d.finish(span, tr)
		return nil
	case status < 200 || status >= 300:
		log.Errorw("prediction failed: invalid response status from create request", "status_code", status, "response", string(body))
		tr.Fail("Unknown error handling prediction.")
		d.finish(span, tr)
		return nil
	}

	tr.Start()
	d.waitForPrediction(ctx, tr, message.ID)
	d.finish(span, tr)
	return nil
}

// createPrediction dispatches the message to the model container. The
// webhook is rewritten to the local ingress and upload credentials are
// stripped before forwarding.
func (d *Director) createPrediction(ctx context.Context, message *schema.PredictionMessage) (int, []byte, error) {
	forward := make(map[string]any, len(message.Raw))
	for k, v := range message.Raw {
		forward[k] = v
	}
	forward["webhook"] = d.cfg.LocalWebhookURL
	delete(forward, "upload")

	payload, err := json.Marshal(forward)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, config.PredictionCreateTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/predictions/%s", d.cfg.SidecarURL, message.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := d.createClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

// waitForPrediction drains the event bus until the prediction completes,
// times out, or the model container becomes unhealthy.
func (d *Director) waitForPrediction(ctx context.Context, tr *tracker.Tracker, id string) {
	log := d.logger.Sugar().With("prediction_id", id)

	// A zero timeout disables the deadline.
	var deadline time.Time
	if d.cfg.PredictTimeout > 0 {
		deadline = time.Now().Add(d.cfg.PredictTimeout)
	}
	for !tr.IsComplete() && (deadline.IsZero() || time.Now().Before(deadline)) {
		if ctx.Err() != nil {
			break
		}
		event, ok := d.bus.Poll(config.PollInterval)
		if !ok {
			continue
		}
		switch e := event.(type) {
		case events.WebhookEvent:
			if e.Payload.ID != id {
				log.Tracew("ignoring webhook for other prediction", "other_id", e.Payload.ID)
				continue
			}
			tr.Update(e.Payload)
		case events.HealthEvent:
			d.monitor.ObserveHealth(e.Health)
			if e.Health != schema.HealthBusy && e.Health != schema.HealthReady {
				log.Errorw("model container became unhealthy during prediction", "health", e.Health.String())
				tr.Fail("Model stopped responding during prediction.")
				d.abort(nil, "model stopped responding")
				return
			}
		}
	}
	if tr.IsComplete() {
		return
	}

	// Past the deadline: ask the container to cancel, then give it a grace
	// period to confirm with a terminal update.
	log.Warnw("prediction timed out, canceling", "timeout", d.cfg.PredictTimeout)
	tr.TimedOut()
	d.cancelPrediction(ctx, id)

	grace := time.Now().Add(config.CancelWait)
	for !tr.IsComplete() && time.Now().Before(grace) {
		event, ok := d.bus.Poll(config.PollInterval)
		if !ok {
			continue
		}
		if e, ok := event.(events.WebhookEvent); ok && e.Payload.ID == id {
			tr.Update(e.Payload)
		}
	}
	if !tr.IsComplete() {
		tr.ForceCancel()
		d.abort(nil, "prediction failed to complete after cancelation")
	}
}

func (d *Director) cancelPrediction(ctx context.Context, id string) {
	log := d.logger.Sugar()

	ctx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/predictions/%s/cancel", d.cfg.SidecarURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		log.Errorw("failed to create cancelation request", "error", err)
		return
	}
	resp, err := d.createClient.Do(req)
	if err != nil {
		log.Warnw("failed to cancel prediction", "prediction_id", id, "error", err)
		return
	}
	resp.Body.Close()
}

// finish records the prediction outcome and updates the failure streak.
func (d *Director) finish(span trace.Span, tr *tracker.Tracker) {
	final := tr.Response()
	d.monitor.RecordPrediction(final.Status)
	span.SetAttributes(
		attribute.String("prediction.status", string(final.Status)),
		attribute.Float64("prediction.runtime_seconds", tr.Runtime().Seconds()),
	)

	if final.Status == schema.PredictionFailed {
		d.recordFailure(span)
		return
	}
	d.failureCount = 0
	d.monitor.SetConsecutiveFailures(0)
}

// confirmModelHealth runs before every drain iteration: the container must
// report READY before another prediction is dispatched.
func (d *Director) confirmModelHealth(ctx context.Context) error {
	d.checker.RequestStatus()

	deadline := time.Now().Add(config.HealthcheckWait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		event, ok := d.bus.Poll(config.PollInterval)
		if !ok {
			continue
		}
		switch e := event.(type) {
		case events.HealthEvent:
			d.monitor.ObserveHealth(e.Health)
			if e.Health == schema.HealthReady {
				return nil
			}
			d.abort(nil, "model container has gone away")
			return fmt.Errorf("model container is not healthy: %s", e.Health)
		case events.WebhookEvent:
			// Stale update from a prediction that already finished.
			d.logger.Sugar().Tracew("discarding stale webhook event", "prediction_id", e.Payload.ID)
		}
	}

	d.abort(nil, "model container has gone away")
	return fmt.Errorf("model container failed to confirm health within %s", config.HealthcheckWait)
}

// recordFailure bumps the consecutive-failure streak and trips the abort
// threshold when it is exceeded.
func (d *Director) recordFailure(span trace.Span) {
	d.failureCount++
	d.monitor.SetConsecutiveFailures(d.failureCount)
	if span != nil {
		span.SetAttributes(attribute.Int("failure_count", d.failureCount))
	}
	if d.cfg.MaxFailureCount > 0 && d.failureCount > d.cfg.MaxFailureCount {
		d.abort(span, "saw too many failures in a row")
	}
}

// abort requests a graceful exit at the next safe point.
func (d *Director) abort(span trace.Span, reason string) {
	d.logger.Sugar().Errorw("aborting", "reason", reason)
	if span != nil {
		span.SetAttributes(attribute.String("abort_reason", reason))
	}
	d.shouldExit.Store(true)
}

// shutdownModel asks the model container to exit. Best effort; the container
// shares the pod and dies with it regardless.
func (d *Director) shutdownModel(ctx context.Context) {
	log := d.logger.Sugar()

	ctx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.SidecarURL+"/shutdown", nil)
	if err != nil {
		log.Errorw("failed to create shutdown request", "error", err)
		return
	}
	resp, err := d.plainClient.Do(req)
	if err != nil {
		log.Warnw("failed to shut down model container", "error", err)
		return
	}
	resp.Body.Close()
}

func setSpanAttributes(span trace.Span, response schema.PredictionResponse) {
	if response.Version != "" {
		span.SetAttributes(attribute.String("prediction.version", response.Version))
	}
	if response.CreatedAt != "" {
		span.SetAttributes(attribute.String("prediction.created_at", response.CreatedAt))
	}
}

// writeReadyFile writes /var/run/cog/ready for the K8S pod readiness probe.
func writeReadyFile() error {
	if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		return nil
	}
	dir := "/var/run/cog"
	file := path.Join(dir, "ready")

	if _, err := os.Stat(file); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(file, nil, 0o600); err != nil {
			return err
		}
	}
	return nil
}
