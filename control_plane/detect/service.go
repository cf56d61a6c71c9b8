// Package detect translates operator intents (full / channel / model /
// selective) into probe job batches, resetting the targeted models before
// any of their jobs become visible in the queue.
package detect

import (
	"context"
	"fmt"
	"log"

	"github.com/modelprobe/modelprobe/control_plane/admission"
	"github.com/modelprobe/modelprobe/control_plane/observability"
	"github.com/modelprobe/modelprobe/control_plane/probe"
	"github.com/modelprobe/modelprobe/control_plane/queue"
	"github.com/modelprobe/modelprobe/control_plane/store"
)

// TriggerResult reports what a detection trigger enqueued.
type TriggerResult struct {
	Channels    int                 `json:"channels"`
	Models      int                 `json:"models"`
	JobIDs      []string            `json:"job_ids"`
	SyncResults []*probe.SyncResult `json:"sync_results,omitempty"`
}

// Snapshot is the dashboard's polling view of a running batch.
type Snapshot struct {
	queue.Stats
	IsRunning       bool    `json:"is_running"`
	ProgressPercent float64 `json:"progress_percent"`
	TestingModelIDs []int64 `json:"testing_model_ids"`
}

// Service owns the trigger and stop operations.
type Service struct {
	store  store.Store
	queue  queue.Queue
	ctrl   admission.Controller
	syncer *probe.CatalogSyncer

	// secondaryChat adds a plain chat probe for models whose native kind
	// is not chat.
	secondaryChat bool
}

// NewService wires the detection service.
func NewService(s store.Store, q queue.Queue, ctrl admission.Controller, syncer *probe.CatalogSyncer) *Service {
	return &Service{store: s, queue: q, ctrl: ctrl, syncer: syncer}
}

// SetSecondaryChat toggles the extra chat probe for non-chat models.
func (s *Service) SetSecondaryChat(on bool) { s.secondaryChat = on }

// TriggerFull probes every model of every enabled channel. With syncFirst
// the model catalog of each channel is reconciled (serially) before the
// batch is built.
func (s *Service) TriggerFull(ctx context.Context, syncFirst bool) (*TriggerResult, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, err
	}
	channels, err := s.store.LoadEnabledChannels(ctx, !syncFirst)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{Channels: len(channels)}
	if syncFirst {
		for _, ch := range channels {
			sr, err := s.syncer.Sync(ctx, ch)
			if err != nil {
				log.Printf("detect: catalog sync for channel %d failed: %v", ch.ID, err)
				sr = &probe.SyncResult{ChannelID: ch.ID}
			}
			result.SyncResults = append(result.SyncResults, sr)
			// Reload models after sync so new entries join the batch.
			models, err := s.store.ListChannelModels(ctx, ch.ID)
			if err != nil {
				return nil, err
			}
			ch.Models = models
		}
	}

	if err := s.enqueueBatch(ctx, channels, result); err != nil {
		return nil, err
	}
	observability.DetectionTriggers.WithLabelValues("full").Inc()
	return result, nil
}

// TriggerChannel probes one channel. A non-empty modelIDs restricts the
// batch (and the reset) to those models.
func (s *Service) TriggerChannel(ctx context.Context, channelID int64, modelIDs []int64) (*TriggerResult, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, err
	}
	ch, err := s.loadChannelWithModels(ctx, channelID, modelIDs)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{Channels: 1}
	if err := s.enqueueBatch(ctx, []*store.Channel{ch}, result); err != nil {
		return nil, err
	}
	observability.DetectionTriggers.WithLabelValues("channel").Inc()
	return result, nil
}

// TriggerModel probes a single model.
func (s *Service) TriggerModel(ctx context.Context, modelID int64) (*TriggerResult, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, err
	}
	m, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("model %d not found", modelID)
	}
	ch, err := s.store.GetChannel(ctx, m.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %d not found", m.ChannelID)
	}
	ch.Models = []*store.Model{m}

	result := &TriggerResult{Channels: 1}
	if err := s.enqueueBatch(ctx, []*store.Channel{ch}, result); err != nil {
		return nil, err
	}
	observability.DetectionTriggers.WithLabelValues("model").Inc()
	return result, nil
}

// TriggerSelective probes chosen channels (nil means all enabled), each
// restricted to chosen models (nil entry means the whole channel). Every
// channel is catalog-synced first; sync errors are logged, not fatal.
func (s *Service) TriggerSelective(ctx context.Context, channelIDs []int64, modelIDsByChannel map[int64][]int64) (*TriggerResult, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, err
	}

	var channels []*store.Channel
	if channelIDs == nil {
		all, err := s.store.LoadEnabledChannels(ctx, false)
		if err != nil {
			return nil, err
		}
		channels = all
	} else {
		for _, id := range channelIDs {
			ch, err := s.store.GetChannel(ctx, id)
			if err != nil {
				return nil, err
			}
			if ch == nil || !ch.Enabled {
				continue
			}
			channels = append(channels, ch)
		}
	}

	result := &TriggerResult{Channels: len(channels)}
	for _, ch := range channels {
		if sr, err := s.syncer.Sync(ctx, ch); err != nil {
			log.Printf("detect: catalog sync for channel %d failed: %v", ch.ID, err)
		} else {
			result.SyncResults = append(result.SyncResults, sr)
		}
		var selected []int64
		if modelIDsByChannel != nil {
			selected = modelIDsByChannel[ch.ID]
		}
		loaded, err := s.loadChannelWithModels(ctx, ch.ID, selected)
		if err != nil {
			return nil, err
		}
		ch.Models = loaded.Models
	}

	if err := s.enqueueBatch(ctx, channels, result); err != nil {
		return nil, err
	}
	observability.DetectionTriggers.WithLabelValues("selective").Inc()
	return result, nil
}

func (s *Service) loadChannelWithModels(ctx context.Context, channelID int64, modelIDs []int64) (*store.Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %d not found", channelID)
	}
	models, err := s.store.ListChannelModels(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if modelIDs != nil {
		wanted := make(map[int64]bool, len(modelIDs))
		for _, id := range modelIDs {
			wanted[id] = true
		}
		filtered := models[:0]
		for _, m := range models {
			if wanted[m.ID] {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}
	ch.Models = models
	return ch, nil
}

// enqueueBatch resets every targeted model, then enqueues the jobs. The
// reset commits before any job becomes visible, so a worker can never
// persist against stale endpoint rows.
func (s *Service) enqueueBatch(ctx context.Context, channels []*store.Channel, result *TriggerResult) error {
	var modelIDs []int64
	var jobs []*queue.ProbeJob
	index := 0
	for _, ch := range channels {
		for _, m := range ch.Models {
			modelIDs = append(modelIDs, m.ID)
			for _, kind := range probe.KindsToProbe(m.ModelName, s.secondaryChat) {
				jobs = append(jobs, &queue.ProbeJob{
					ID:        queue.JobID(ch.ID, m.ID, kind, index),
					ChannelID: ch.ID,
					ModelID:   m.ID,
					ModelName: m.ModelName,
					BaseURL:   ch.BaseURL,
					APIKey:    ch.PrimaryAPIKey,
					ProxyURL:  ch.ProxyURL,
					Kind:      kind,
				})
				index++
			}
		}
	}

	if err := s.store.ResetModelsProbeState(ctx, modelIDs); err != nil {
		return err
	}
	if err := s.queue.EnqueueBulk(ctx, jobs); err != nil {
		return err
	}

	result.Models = len(modelIDs)
	for _, job := range jobs {
		result.JobIDs = append(result.JobIDs, job.ID)
	}
	return nil
}

// StopDetection drains the queue, flags in-flight work and resets the
// admission counters. Returns how many jobs were cleared.
func (s *Service) StopDetection(ctx context.Context) (int, error) {
	cleared, err := s.queue.StopAndDrain(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.ctrl.Reset(ctx); err != nil {
		log.Printf("detect: admission reset failed: %v", err)
	}
	return cleared, nil
}

// ProgressSnapshot returns the queue stats plus derived progress fields.
func (s *Service) ProgressSnapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	testing, err := s.queue.TestingModelIDs(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Stats: *stats}
	snap.IsRunning = stats.Waiting+stats.Active+stats.Delayed > 0
	if stats.Total > 0 {
		snap.ProgressPercent = float64(stats.Completed+stats.Failed) / float64(stats.Total) * 100
	}
	snap.TestingModelIDs = make([]int64, 0, len(testing))
	for id := range testing {
		snap.TestingModelIDs = append(snap.TestingModelIDs, id)
	}
	return snap, nil
}
