package store

import (
	"context"
	"time"
)

// ProbeRecord is the persisted shape of one finished probe. The worker maps
// a job plus its outcome into this before calling PersistProbeOutcome.
type ProbeRecord struct {
	ModelID         int64
	Kind            EndpointKind
	Status          EndpointStatus
	LatencyMs       int64
	StatusCode      *int
	ErrorMsg        *string
	ResponseContent *string
}

// Store defines the persistence backend for channels, models, endpoint
// states and check logs. It abstracts over Postgres (durable) and an
// in-memory map store (single-node / tests). Reads return (nil, nil) when
// the entity does not exist.
type Store interface {
	// Channel / model reads
	LoadEnabledChannels(ctx context.Context, withModels bool) ([]*Channel, error)
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	GetModel(ctx context.Context, id int64) (*Model, error)
	ListChannelModels(ctx context.Context, channelID int64) ([]*Model, error)
	ListEndpointStates(ctx context.Context, modelID int64) ([]*ModelEndpoint, error)
	ListCheckLogs(ctx context.Context, modelID int64, limit int) ([]*CheckLog, error)

	// ResetModelsProbeState deletes every endpoint row for the given models
	// and puts the models back to unknown, in one transaction.
	ResetModelsProbeState(ctx context.Context, modelIDs []int64) error

	// PersistProbeOutcome upserts the (model, kind) endpoint row, appends a
	// check log, re-derives the aggregate model health from all current
	// endpoint rows and updates the model, all in one transaction. This is
	// the atomicity boundary for model health: concurrent writers to the
	// same model serialize here.
	PersistProbeOutcome(ctx context.Context, rec *ProbeRecord) (*Model, error)

	// Scheduler config singleton (id "default"). Load returns defaults when
	// nothing has been saved yet.
	LoadSchedulerConfig(ctx context.Context) (*SchedulerConfig, error)
	UpsertSchedulerConfig(ctx context.Context, cfg *SchedulerConfig) error

	// PurgeCheckLogsOlderThan deletes logs created before cutoff and
	// returns the number of rows removed.
	PurgeCheckLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Catalog sync. ReplaceOrAddModels inserts models missing from the
	// channel and never deletes existing ones; it returns how many were
	// added.
	ListModelsForSync(ctx context.Context, channelID int64) ([]*Model, error)
	ReplaceOrAddModels(ctx context.Context, channelID int64, names []string) (int, error)
}
