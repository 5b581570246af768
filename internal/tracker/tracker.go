package tracker

import (
	"time"

	"github.com/replicate/cog-director/internal/config"
	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
	"github.com/replicate/cog-director/internal/webhook"
)

// Tracker owns the externally visible state of one in-flight prediction.
// Every mutation emits the current snapshot through the webhook caller.
// Once a terminal status lands the state is frozen and later updates are
// ignored. Not safe for concurrent use; the prediction loop drives it from
// a single goroutine.
type Tracker struct {
	response schema.PredictionResponse
	emit     webhook.Caller

	timedOut    bool
	startedAt   time.Time
	completedAt time.Time

	logger *logging.Logger
}

func New(response schema.PredictionResponse, emit webhook.Caller, logger *logging.Logger) *Tracker {
	return &Tracker{
		response: response,
		emit:     emit,
		logger:   logger.Named("tracker"),
	}
}

func now() (time.Time, string) {
	t := time.Now().UTC()
	return t, t.Format(config.TimeFormat)
}

// Start marks the prediction as dispatched to the model container.
func (t *Tracker) Start() {
	t.startedAt, t.response.StartedAt = now()
	t.response.Status = schema.PredictionProcessing
	t.send()
}

// Update merges a state snapshot relayed from the model container. Updates
// after completion are dropped.
func (t *Tracker) Update(payload schema.PredictionResponse) {
	if t.IsComplete() {
		t.logger.Sugar().Debugw("ignoring update for complete prediction", "id", t.response.ID)
		return
	}

	if payload.Status != "" {
		t.response.Status = payload.Status
	}
	if payload.Output != nil {
		t.response.Output = payload.Output
	}
	if payload.Error != "" {
		t.response.Error = payload.Error
	}
	if payload.Logs != "" {
		t.response.Logs = payload.Logs
	}
	for k, v := range payload.Metrics {
		if t.response.Metrics == nil {
			t.response.Metrics = make(map[string]any)
		}
		t.response.Metrics[k] = v
	}

	if t.response.Status.IsTerminal() {
		t.complete(payload.CompletedAt)
	}
	t.send()
}

// Fail marks the prediction failed with the given message. A completed
// prediction is left alone.
func (t *Tracker) Fail(message string) {
	if t.IsComplete() {
		t.logger.Sugar().Debugw("ignoring failure for complete prediction", "id", t.response.ID)
		return
	}
	t.response.Status = schema.PredictionFailed
	t.response.Error = message
	t.complete("")
	t.send()
}

// ForceCancel marks the prediction canceled locally when the model container
// never confirmed the cancelation.
func (t *Tracker) ForceCancel() {
	if t.IsComplete() {
		return
	}
	t.response.Status = schema.PredictionCanceled
	t.complete("")
	t.send()
}

// TimedOut records that the prediction exceeded its deadline. A subsequent
// canceled outcome is reported to the caller as a timeout failure.
func (t *Tracker) TimedOut() {
	t.timedOut = true
}

func (t *Tracker) complete(completedAt string) {
	t.completedAt = time.Now().UTC()
	if completedAt != "" {
		t.response.CompletedAt = completedAt
		if parsed, err := time.Parse(config.TimeFormat, completedAt); err == nil {
			t.completedAt = parsed
		}
	} else {
		t.response.CompletedAt = t.completedAt.Format(config.TimeFormat)
	}
}

func (t *Tracker) IsComplete() bool {
	return t.response.Status.IsTerminal()
}

func (t *Tracker) Status() schema.PredictionStatus {
	return t.response.Status
}

// Runtime is the wall-clock duration of the prediction so far, or its final
// duration once complete.
func (t *Tracker) Runtime() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if !t.completedAt.IsZero() {
		return t.completedAt.Sub(t.startedAt)
	}
	return time.Since(t.startedAt)
}

// Response is the current snapshot as it would be reported externally.
func (t *Tracker) Response() schema.PredictionResponse {
	return t.adjusted()
}

// adjusted rewrites a canceled outcome into a timeout failure when the
// cancelation was initiated by the deadline rather than the caller.
func (t *Tracker) adjusted() schema.PredictionResponse {
	response := t.response
	if t.timedOut && response.Status == schema.PredictionCanceled {
		response.Status = schema.PredictionFailed
		response.Error = "Prediction timed out."
	}
	return response
}

func (t *Tracker) send() {
	if t.emit == nil {
		return
	}
	t.emit(t.adjusted())
}
