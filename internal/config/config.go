package config

import "time"

const (
	// TimeFormat is the timestamp layout used across cog services.
	TimeFormat = "2006-01-02T15:04:05.999999-07:00"

	// PollInterval is how often the director polls the event bus while a
	// prediction is running.
	PollInterval = 100 * time.Millisecond

	// PredictionCreateTimeout bounds the prediction create request to the
	// model container.
	PredictionCreateTimeout = 5 * time.Second

	// CancelWait is how long to wait for a canceled prediction to report a
	// terminal status before giving up on the model container.
	CancelWait = 30 * time.Second

	// HealthcheckWait bounds the pre-message health confirmation. To avoid
	// failing prematurely this must be at least as long as the
	// healthchecker's complete retry chain.
	HealthcheckWait = 10 * time.Second

	// EventBusCapacity is the size of the bounded event bus shared by the
	// healthchecker and the webhook ingress.
	EventBusCapacity = 128
)

// Config holds all configuration for the director.
type Config struct {
	// Worker identity and queue assignment
	WorkerID string
	Queue    string

	// Broker and dispatcher endpoints
	RedisURL  string
	ReportURL string

	// Prediction handling knobs
	ConsumeTimeout  time.Duration
	PredictTimeout  time.Duration
	MaxFailureCount int

	// Model container endpoints
	SidecarURL      string
	IngressPort     int
	LocalWebhookURL string
}
