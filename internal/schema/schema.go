package schema

import (
	"encoding/json"
	"fmt"
)

// Health is the model container status as reported by its health-check
// endpoint. Transitions are reported by the container, never inferred locally.
type Health int

const (
	HealthUnknown Health = iota
	HealthStarting
	HealthReady
	HealthBusy
	HealthSetupFailed
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "STARTING"
	case HealthReady:
		return "READY"
	case HealthBusy:
		return "BUSY"
	case HealthSetupFailed:
		return "SETUP_FAILED"
	default:
		return "UNKNOWN"
	}
}

func HealthFromString(s string) Health {
	switch s {
	case "STARTING":
		return HealthStarting
	case "READY":
		return HealthReady
	case "BUSY":
		return HealthBusy
	case "SETUP_FAILED":
		return HealthSetupFailed
	default:
		return HealthUnknown
	}
}

// PredictionStatus is the lifecycle status of a single prediction.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// IsTerminal reports whether the status is final. Terminal status and
// completed_at are monotone once set.
func (s PredictionStatus) IsTerminal() bool {
	return s == PredictionSucceeded || s == PredictionFailed || s == PredictionCanceled
}

// PredictionResponse is the prediction state exchanged with the model
// container and forwarded to user webhooks.
type PredictionResponse struct {
	ID      string           `json:"id"`
	Version string           `json:"version,omitempty"`
	Input   any              `json:"input,omitempty"`
	Output  any              `json:"output,omitempty"`
	Status  PredictionStatus `json:"status,omitempty"`
	Error   string           `json:"error,omitempty"`
	Logs    string           `json:"logs,omitempty"`
	Metrics map[string]any   `json:"metrics,omitempty"`

	CreatedAt   string `json:"created_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// WebhookConfig is the caller-supplied webhook destination carried in a
// prediction message.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// UploadParams configures the optional object-storage upload of inlined
// binary outputs.
type UploadParams struct {
	URL        string `json:"url"`
	Bucket     string `json:"bucket"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	URLPrefix  string `json:"url_prefix"`
	PathPrefix string `json:"path_prefix,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
}

// PredictionMessage is a prediction request dequeued from Redis. Raw retains
// every field of the original JSON body so the message can be forwarded to
// the model container unchanged apart from the webhook rewrite.
type PredictionMessage struct {
	ID      string         `json:"id"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	Upload  *UploadParams  `json:"upload,omitempty"`

	Raw map[string]any `json:"-"`
}

// ParseMessage decodes a queue message body. The id field is required.
func ParseMessage(body []byte) (*PredictionMessage, error) {
	var msg PredictionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode prediction message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("prediction message has no id")
	}
	if err := json.Unmarshal(body, &msg.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode prediction message: %w", err)
	}
	return &msg, nil
}

// Response builds the initial PredictionResponse for a message: the fields of
// the PredictionResponse schema that ride along in the queue message (input,
// version, created_at and friends) seed the tracker state.
func (m *PredictionMessage) Response() (PredictionResponse, error) {
	body, err := json.Marshal(m.Raw)
	if err != nil {
		return PredictionResponse{}, err
	}
	var resp PredictionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PredictionResponse{}, err
	}
	// Status and output are owned by this run, not by the enqueuer.
	resp.Status = ""
	resp.Output = nil
	return resp, nil
}
