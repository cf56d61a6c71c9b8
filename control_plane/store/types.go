package store

import (
	"time"
)

// HealthStatus is the derived aggregate health of a model.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthPartial   HealthStatus = "partial"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// EndpointKind selects the probe URL, auth header and body shape.
type EndpointKind string

const (
	KindChat   EndpointKind = "chat"
	KindClaude EndpointKind = "claude"
	KindGemini EndpointKind = "gemini"
	KindCodex  EndpointKind = "codex"
	KindImage  EndpointKind = "image"
)

// EndpointStatus is the outcome of a single probe slot.
type EndpointStatus string

const (
	StatusSuccess EndpointStatus = "success"
	StatusFail    EndpointStatus = "fail"
)

// KeyMode controls how a channel's API keys are used.
type KeyMode string

const (
	KeyModeSingle KeyMode = "single"
	KeyModeMulti  KeyMode = "multi"
)

// Channel is a configured upstream (baseUrl + keys + optional proxy).
type Channel struct {
	ID            int64         `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	BaseURL       string        `json:"base_url" db:"base_url"`
	PrimaryAPIKey string        `json:"primary_api_key" db:"primary_api_key"`
	KeyMode       KeyMode       `json:"key_mode" db:"key_mode"`
	ProxyURL      string        `json:"proxy_url" db:"proxy_url"`
	Enabled       bool          `json:"enabled" db:"enabled"`
	SortOrder     int           `json:"sort_order" db:"sort_order"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
	Keys          []*ChannelKey `json:"keys,omitempty"`
	Models        []*Model      `json:"models,omitempty"`
}

// ChannelKey is an additional API key attached to a multi-key channel.
type ChannelKey struct {
	ID            int64      `json:"id" db:"id"`
	ChannelID     int64      `json:"channel_id" db:"channel_id"`
	APIKey        string     `json:"api_key" db:"api_key"`
	LastValid     *bool      `json:"last_valid" db:"last_valid"`
	LastCheckedAt *time.Time `json:"last_checked_at" db:"last_checked_at"`
}

// Model is a named identifier offered by a channel. HealthStatus and
// LastStatus are derived from the ModelEndpoint rows inside the persist
// transaction and never cached anywhere else.
type Model struct {
	ID            int64        `json:"id" db:"id"`
	ChannelID     int64        `json:"channel_id" db:"channel_id"`
	ModelName     string       `json:"model_name" db:"model_name"`
	HealthStatus  HealthStatus `json:"health_status" db:"health_status"`
	LastStatus    *bool        `json:"last_status" db:"last_status"`
	LastLatencyMs *int64       `json:"last_latency_ms" db:"last_latency_ms"`
	LastCheckedAt *time.Time   `json:"last_checked_at" db:"last_checked_at"`
	ChannelKeyID  *int64       `json:"channel_key_id" db:"channel_key_id"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// ModelEndpoint is the latest persisted outcome for one (model, kind) slot.
// At most one row exists per slot.
type ModelEndpoint struct {
	ModelID         int64          `json:"model_id" db:"model_id"`
	Kind            EndpointKind   `json:"endpoint_kind" db:"endpoint_kind"`
	Status          EndpointStatus `json:"status" db:"status"`
	LatencyMs       int64          `json:"latency_ms" db:"latency_ms"`
	StatusCode      *int           `json:"status_code" db:"status_code"`
	ErrorMsg        *string        `json:"error_msg" db:"error_msg"`
	ResponseContent *string        `json:"response_content" db:"response_content"`
	CheckedAt       time.Time      `json:"checked_at" db:"checked_at"`
}

// CheckLog is an append-only probe history row.
type CheckLog struct {
	ID              int64          `json:"id" db:"id"`
	ModelID         int64          `json:"model_id" db:"model_id"`
	Kind            EndpointKind   `json:"endpoint_kind" db:"endpoint_kind"`
	Status          EndpointStatus `json:"status" db:"status"`
	LatencyMs       int64          `json:"latency_ms" db:"latency_ms"`
	StatusCode      *int           `json:"status_code" db:"status_code"`
	ErrorMsg        *string        `json:"error_msg" db:"error_msg"`
	ResponseContent *string        `json:"response_content" db:"response_content"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// SchedulerConfig is the singleton row (id "default") holding detection
// tunables. Workers re-read it on a short TTL so dashboard edits take
// effect without a restart.
type SchedulerConfig struct {
	Enabled              bool              `json:"enabled" db:"enabled"`
	CronExpression       string            `json:"cron_expression" db:"cron_expression"`
	Timezone             string            `json:"timezone" db:"timezone"`
	ChannelConcurrency   int               `json:"channel_concurrency" db:"channel_concurrency"`
	MaxGlobalConcurrency int               `json:"max_global_concurrency" db:"max_global_concurrency"`
	MinJitterMs          int               `json:"min_jitter_ms" db:"min_jitter_ms"`
	MaxJitterMs          int               `json:"max_jitter_ms" db:"max_jitter_ms"`
	DetectAllChannels    bool              `json:"detect_all_channels" db:"detect_all_channels"`
	SelectedChannelIDs   []int64           `json:"selected_channel_ids" db:"selected_channel_ids"`
	SelectedModelIDs     map[int64][]int64 `json:"selected_model_ids" db:"selected_model_ids"`
}

// DefaultSchedulerConfig returns the tunables used before the operator has
// saved anything.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Enabled:              false,
		CronExpression:       "0 */6 * * *",
		Timezone:             "Local",
		ChannelConcurrency:   5,
		MaxGlobalConcurrency: 30,
		MinJitterMs:          3000,
		MaxJitterMs:          5000,
		DetectAllChannels:    true,
	}
}

// Normalize clamps invalid tunables back to the documented invariants.
func (c *SchedulerConfig) Normalize() {
	if c.ChannelConcurrency < 1 {
		c.ChannelConcurrency = 1
	}
	if c.MaxGlobalConcurrency < c.ChannelConcurrency {
		c.MaxGlobalConcurrency = c.ChannelConcurrency
	}
	if c.MinJitterMs < 0 {
		c.MinJitterMs = 0
	}
	if c.MaxJitterMs < c.MinJitterMs {
		c.MaxJitterMs = c.MinJitterMs
	}
}

// DeriveHealth computes the aggregate model health from the set of current
// endpoint statuses. An empty set means the model was never probed (or was
// just reset) and stays unknown.
func DeriveHealth(statuses []EndpointStatus) (HealthStatus, *bool) {
	if len(statuses) == 0 {
		return HealthUnknown, nil
	}
	success := 0
	for _, s := range statuses {
		if s == StatusSuccess {
			success++
		}
	}
	t, f := true, false
	switch {
	case success == len(statuses):
		return HealthHealthy, &t
	case success == 0:
		return HealthUnhealthy, &f
	default:
		return HealthPartial, &t
	}
}
