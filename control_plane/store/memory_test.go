package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func seedChannelWithModel(s *MemoryStore, modelName string) (*Channel, *Model) {
	ch := s.AddChannel(&Channel{Name: "test", BaseURL: "http://upstream.local", Enabled: true})
	m := s.AddModel(&Model{ChannelID: ch.ID, ModelName: modelName})
	return ch, m
}

func TestPersistProbeOutcomeDerivesHealth(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, m := seedChannelWithModel(s, "gpt-4o")

	got, err := s.PersistProbeOutcome(ctx, &ProbeRecord{
		ModelID: m.ID, Kind: KindChat, Status: StatusSuccess, LatencyMs: 120,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got.HealthStatus != HealthHealthy {
		t.Errorf("health after one success = %q, want healthy", got.HealthStatus)
	}
	if got.LastStatus == nil || !*got.LastStatus {
		t.Errorf("lastStatus = %v, want true", got.LastStatus)
	}

	// Second kind fails: two rows now, mixed outcome.
	got, err = s.PersistProbeOutcome(ctx, &ProbeRecord{
		ModelID: m.ID, Kind: KindImage, Status: StatusFail, LatencyMs: 80,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got.HealthStatus != HealthPartial {
		t.Errorf("health after mixed = %q, want partial", got.HealthStatus)
	}

	// Re-probing the failed kind successfully upserts the same slot.
	got, err = s.PersistProbeOutcome(ctx, &ProbeRecord{
		ModelID: m.ID, Kind: KindImage, Status: StatusSuccess, LatencyMs: 90,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got.HealthStatus != HealthHealthy {
		t.Errorf("health after recovery = %q, want healthy", got.HealthStatus)
	}

	endpoints, _ := s.ListEndpointStates(ctx, m.ID)
	if len(endpoints) != 2 {
		t.Errorf("endpoint rows = %d, want 2 (one per kind)", len(endpoints))
	}
	logs, _ := s.ListCheckLogs(ctx, m.ID, 0)
	if len(logs) != 3 {
		t.Errorf("check logs = %d, want 3 (append-only)", len(logs))
	}
}

func TestPersistProbeOutcomeConcurrentKinds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, m := seedChannelWithModel(s, "claude-3-5-sonnet")

	// Two kinds of the same model persisting concurrently (secondary chat
	// mode, or a retry racing a new batch). The committed model health must
	// match the committed endpoint rows no matter how the writes interleave.
	var wg sync.WaitGroup
	persist := func(kind EndpointKind, status EndpointStatus) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := s.PersistProbeOutcome(ctx, &ProbeRecord{ModelID: m.ID, Kind: kind, Status: status}); err != nil {
				t.Errorf("persist %s: %v", kind, err)
				return
			}
		}
	}
	wg.Add(2)
	go persist(KindClaude, StatusSuccess)
	go persist(KindChat, StatusFail)
	wg.Wait()

	eps, _ := s.ListEndpointStates(ctx, m.ID)
	statuses := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		statuses = append(statuses, ep.Status)
	}
	wantHealth, wantLast := DeriveHealth(statuses)

	got, _ := s.GetModel(ctx, m.ID)
	if got.HealthStatus != wantHealth {
		t.Errorf("model health = %q, endpoint rows derive %q", got.HealthStatus, wantHealth)
	}
	if wantHealth != HealthPartial {
		t.Errorf("final health = %q, want partial (one success, one fail)", wantHealth)
	}
	if got.LastStatus == nil || wantLast == nil || *got.LastStatus != *wantLast {
		t.Errorf("lastStatus = %v, derived %v", got.LastStatus, wantLast)
	}
}

func TestPersistProbeOutcomeUnknownModel(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.PersistProbeOutcome(context.Background(), &ProbeRecord{ModelID: 999, Kind: KindChat, Status: StatusFail})
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestResetModelsProbeState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, m1 := seedChannelWithModel(s, "gpt-4o")
	m2 := s.AddModel(&Model{ChannelID: m1.ChannelID, ModelName: "claude-3-5-sonnet"})

	for _, m := range []*Model{m1, m2} {
		if _, err := s.PersistProbeOutcome(ctx, &ProbeRecord{ModelID: m.ID, Kind: KindChat, Status: StatusSuccess}); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	// Selective reset touches only the targeted model.
	if err := s.ResetModelsProbeState(ctx, []int64{m1.ID}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got1, _ := s.GetModel(ctx, m1.ID)
	if got1.HealthStatus != HealthUnknown || got1.LastStatus != nil || got1.LastCheckedAt != nil {
		t.Errorf("reset model not back to unknown: %+v", got1)
	}
	eps, _ := s.ListEndpointStates(ctx, m1.ID)
	if len(eps) != 0 {
		t.Errorf("reset model still has %d endpoint rows", len(eps))
	}

	got2, _ := s.GetModel(ctx, m2.ID)
	if got2.HealthStatus != HealthHealthy {
		t.Errorf("untargeted model was reset: %q", got2.HealthStatus)
	}
}

func TestLoadEnabledChannelsOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	older := time.Now().Add(-time.Hour)
	s.AddChannel(&Channel{Name: "b", Enabled: true, SortOrder: 2})
	s.AddChannel(&Channel{Name: "a-old", Enabled: true, SortOrder: 1, CreatedAt: older})
	s.AddChannel(&Channel{Name: "a-new", Enabled: true, SortOrder: 1})
	s.AddChannel(&Channel{Name: "off", Enabled: false})

	channels, err := s.LoadEnabledChannels(ctx, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(channels))
	}
	want := []string{"a-new", "a-old", "b"}
	for i, name := range want {
		if channels[i].Name != name {
			t.Errorf("position %d = %q, want %q", i, channels[i].Name, name)
		}
	}
}

func TestListCheckLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, m := seedChannelWithModel(s, "gpt-4o")

	latencies := []int64{1, 2, 3, 4}
	for _, l := range latencies {
		if _, err := s.PersistProbeOutcome(ctx, &ProbeRecord{ModelID: m.ID, Kind: KindChat, Status: StatusSuccess, LatencyMs: l}); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	logs, _ := s.ListCheckLogs(ctx, m.ID, 2)
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	if logs[0].LatencyMs != 4 || logs[1].LatencyMs != 3 {
		t.Errorf("got latencies %d,%d, want 4,3 (newest first)", logs[0].LatencyMs, logs[1].LatencyMs)
	}
}

func TestPurgeCheckLogsOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, m := seedChannelWithModel(s, "gpt-4o")

	for i := 0; i < 3; i++ {
		if _, err := s.PersistProbeOutcome(ctx, &ProbeRecord{ModelID: m.ID, Kind: KindChat, Status: StatusSuccess}); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
	// Age the first two rows past the cutoff.
	s.mu.Lock()
	s.logs[0].CreatedAt = time.Now().AddDate(0, 0, -10)
	s.logs[1].CreatedAt = time.Now().AddDate(0, 0, -8)
	s.mu.Unlock()

	deleted, err := s.PurgeCheckLogsOlderThan(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	logs, _ := s.ListCheckLogs(ctx, m.ID, 0)
	if len(logs) != 1 {
		t.Errorf("remaining logs = %d, want 1", len(logs))
	}
}

func TestReplaceOrAddModelsNeverDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ch, _ := seedChannelWithModel(s, "gpt-4o")

	added, err := s.ReplaceOrAddModels(ctx, ch.ID, []string{"gpt-4o", "gpt-4o-mini", "", "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (existing, empty and duplicate names skipped)", added)
	}
	models, _ := s.ListChannelModels(ctx, ch.ID)
	if len(models) != 2 {
		t.Errorf("models = %d, want 2", len(models))
	}
}

func TestSchedulerConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cfg, err := s.LoadSchedulerConfig(ctx)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.CronExpression != "0 */6 * * *" {
		t.Errorf("default cron = %q", cfg.CronExpression)
	}

	cfg.Enabled = true
	cfg.ChannelConcurrency = 0 // invalid on purpose
	if err := s.UpsertSchedulerConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := s.LoadSchedulerConfig(ctx)
	if !got.Enabled {
		t.Error("Enabled not persisted")
	}
	if got.ChannelConcurrency != 1 {
		t.Errorf("ChannelConcurrency = %d, want normalized to 1", got.ChannelConcurrency)
	}
}
