package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It backs single-node
// deployments without Postgres and every unit test.
type MemoryStore struct {
	mu        sync.RWMutex
	channels  map[int64]*Channel
	models    map[int64]*Model
	endpoints map[int64]map[EndpointKind]*ModelEndpoint
	logs      []*CheckLog
	config    *SchedulerConfig

	nextChannelID int64
	nextModelID   int64
	nextLogID     int64
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:  make(map[int64]*Channel),
		models:    make(map[int64]*Model),
		endpoints: make(map[int64]map[EndpointKind]*ModelEndpoint),
	}
}

// AddChannel registers a channel (import path in the full product; direct
// seeding in tests). The ID is assigned when zero.
func (s *MemoryStore) AddChannel(ch *Channel) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == 0 {
		s.nextChannelID++
		ch.ID = s.nextChannelID
	} else if ch.ID > s.nextChannelID {
		s.nextChannelID = ch.ID
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	ch.UpdatedAt = time.Now()
	ch.BaseURL = strings.TrimSuffix(ch.BaseURL, "/")
	s.channels[ch.ID] = ch
	return ch
}

// AddModel registers a model under its channel.
func (s *MemoryStore) AddModel(m *Model) *Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addModelLocked(m)
}

func (s *MemoryStore) addModelLocked(m *Model) *Model {
	if m.ID == 0 {
		s.nextModelID++
		m.ID = s.nextModelID
	} else if m.ID > s.nextModelID {
		s.nextModelID = m.ID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.HealthStatus == "" {
		m.HealthStatus = HealthUnknown
	}
	s.models[m.ID] = m
	return m
}

func (s *MemoryStore) LoadEnabledChannels(ctx context.Context, withModels bool) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Channel
	for _, ch := range s.channels {
		if !ch.Enabled {
			continue
		}
		cp := *ch
		cp.Models = nil
		if withModels {
			cp.Models = s.modelsOfLocked(ch.ID)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) modelsOfLocked(channelID int64) []*Model {
	var out []*Model
	for _, m := range s.models {
		if m.ChannelID == channelID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) GetModel(ctx context.Context, id int64) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListChannelModels(ctx context.Context, channelID int64) ([]*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelsOfLocked(channelID), nil
}

func (s *MemoryStore) ListEndpointStates(ctx context.Context, modelID int64) ([]*ModelEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ModelEndpoint
	for _, ep := range s.endpoints[modelID] {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *MemoryStore) ListCheckLogs(ctx context.Context, modelID int64, limit int) ([]*CheckLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CheckLog
	// logs are append-only; walk backwards for newest-first
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].ModelID != modelID {
			continue
		}
		cp := *s.logs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ResetModelsProbeState(ctx context.Context, modelIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range modelIDs {
		delete(s.endpoints, id)
		if m, ok := s.models[id]; ok {
			m.HealthStatus = HealthUnknown
			m.LastStatus = nil
			m.LastLatencyMs = nil
			m.LastCheckedAt = nil
		}
	}
	return nil
}

func (s *MemoryStore) PersistProbeOutcome(ctx context.Context, rec *ProbeRecord) (*Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[rec.ModelID]
	if !ok {
		return nil, ErrModelNotFound
	}

	now := time.Now()
	slots, ok := s.endpoints[rec.ModelID]
	if !ok {
		slots = make(map[EndpointKind]*ModelEndpoint)
		s.endpoints[rec.ModelID] = slots
	}
	slots[rec.Kind] = &ModelEndpoint{
		ModelID:         rec.ModelID,
		Kind:            rec.Kind,
		Status:          rec.Status,
		LatencyMs:       rec.LatencyMs,
		StatusCode:      rec.StatusCode,
		ErrorMsg:        rec.ErrorMsg,
		ResponseContent: rec.ResponseContent,
		CheckedAt:       now,
	}

	s.nextLogID++
	s.logs = append(s.logs, &CheckLog{
		ID:              s.nextLogID,
		ModelID:         rec.ModelID,
		Kind:            rec.Kind,
		Status:          rec.Status,
		LatencyMs:       rec.LatencyMs,
		StatusCode:      rec.StatusCode,
		ErrorMsg:        rec.ErrorMsg,
		ResponseContent: rec.ResponseContent,
		CreatedAt:       now,
	})

	statuses := make([]EndpointStatus, 0, len(slots))
	for _, ep := range slots {
		statuses = append(statuses, ep.Status)
	}
	health, last := DeriveHealth(statuses)
	m.HealthStatus = health
	m.LastStatus = last
	latency := rec.LatencyMs
	m.LastLatencyMs = &latency
	checked := now
	m.LastCheckedAt = &checked

	cp := *m
	return &cp, nil
}

func (s *MemoryStore) LoadSchedulerConfig(ctx context.Context) (*SchedulerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return DefaultSchedulerConfig(), nil
	}
	cp := *s.config
	return &cp, nil
}

func (s *MemoryStore) UpsertSchedulerConfig(ctx context.Context, cfg *SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	cp.Normalize()
	s.config = &cp
	return nil
}

func (s *MemoryStore) PurgeCheckLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var deleted int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return deleted, nil
}

func (s *MemoryStore) ListModelsForSync(ctx context.Context, channelID int64) ([]*Model, error) {
	return s.ListChannelModels(ctx, channelID)
}

func (s *MemoryStore) ReplaceOrAddModels(ctx context.Context, channelID int64, names []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool)
	for _, m := range s.models {
		if m.ChannelID == channelID {
			existing[m.ModelName] = true
		}
	}
	added := 0
	for _, name := range names {
		if name == "" || existing[name] {
			continue
		}
		existing[name] = true
		s.addModelLocked(&Model{ChannelID: channelID, ModelName: name})
		added++
	}
	return added, nil
}
