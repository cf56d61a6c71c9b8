// Package cronsched drives periodic detection and check-log retention.
// It is the single time-driven writer; everything else reacts to operator
// requests.
package cronsched

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelprobe/modelprobe/control_plane/detect"
	"github.com/modelprobe/modelprobe/control_plane/observability"
	"github.com/modelprobe/modelprobe/control_plane/store"
)

const (
	defaultCleanupExpr   = "0 2 * * *"
	defaultRetentionDays = 7

	// refreshInterval is how often the scheduler re-reads its tunables
	// from the store and reschedules if the expression changed.
	refreshInterval = time.Minute
)

// TaskStatus describes one scheduled task.
type TaskStatus struct {
	Enabled       bool       `json:"enabled,omitempty"`
	Running       bool       `json:"running"`
	Schedule      string     `json:"schedule"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	RetentionDays int        `json:"retention_days,omitempty"`
}

// Status is the full scheduler state for the dashboard.
type Status struct {
	Detection TaskStatus `json:"detection"`
	Cleanup   TaskStatus `json:"cleanup"`
	Config    struct {
		ChannelConcurrency   int `json:"channel_concurrency"`
		MaxGlobalConcurrency int `json:"max_global_concurrency"`
		MinJitterMs          int `json:"min_jitter_ms"`
		MaxJitterMs          int `json:"max_jitter_ms"`
	} `json:"config"`
}

// Scheduler owns the detection and cleanup cron tasks.
type Scheduler struct {
	store         store.Store
	detect        *detect.Service
	retentionDays int

	mu            sync.Mutex
	cron          *cron.Cron
	detectionID   cron.EntryID
	cleanupID     cron.EntryID
	detectionExpr string
	cleanupExpr   string
	loc           *time.Location

	refreshCancel context.CancelFunc
}

// New creates a stopped scheduler. retentionDays <= 0 uses the default.
func New(s store.Store, d *detect.Service, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	return &Scheduler{
		store:         s,
		detect:        d,
		retentionDays: retentionDays,
		cleanupExpr:   defaultCleanupExpr,
		loc:           time.Local,
	}
}

func (s *Scheduler) loadConfig(ctx context.Context) *store.SchedulerConfig {
	cfg, err := s.store.LoadSchedulerConfig(ctx)
	if err != nil {
		log.Printf("cron: config load failed, using defaults: %v", err)
		return store.DefaultSchedulerConfig()
	}
	return cfg
}

func (s *Scheduler) location(cfg *store.SchedulerConfig) *time.Location {
	if cfg.Timezone == "" || cfg.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("cron: invalid timezone %q, using local: %v", cfg.Timezone, err)
		return time.Local
	}
	return loc
}

// ensureCronLocked (re)creates the underlying cron runner for loc. Tasks
// scheduled on the old runner are carried over to the new one, so a
// timezone change cannot drop them.
func (s *Scheduler) ensureCronLocked(loc *time.Location) {
	if s.cron != nil && s.loc.String() == loc.String() {
		return
	}
	hadDetection := s.detectionID != 0
	hadCleanup := s.cleanupID != 0
	if s.cron != nil {
		s.cron.Stop()
	}
	s.loc = loc
	s.cron = cron.New(cron.WithLocation(loc))
	s.cron.Start()
	s.detectionID, s.cleanupID = 0, 0

	if hadDetection {
		if id, err := s.cron.AddFunc(s.detectionExpr, s.runDetection); err == nil {
			s.detectionID = id
		} else {
			log.Printf("cron: re-register detection failed: %v", err)
		}
	}
	if hadCleanup {
		if id, err := s.cron.AddFunc(s.cleanupExpr, s.runCleanup); err == nil {
			s.cleanupID = id
		} else {
			log.Printf("cron: re-register cleanup failed: %v", err)
		}
	}
}

// StartAll schedules both tasks and the tunable refresh loop. Starting
// twice is a no-op for tasks already scheduled.
func (s *Scheduler) StartAll(ctx context.Context) error {
	if err := s.StartDetection(ctx); err != nil {
		return err
	}
	if err := s.StartCleanup(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshCancel == nil {
		refreshCtx, cancel := context.WithCancel(context.Background())
		s.refreshCancel = cancel
		go s.refreshLoop(refreshCtx)
	}
	return nil
}

// StopAll removes both tasks and stops the refresh loop.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshCancel != nil {
		s.refreshCancel()
		s.refreshCancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.detectionID, s.cleanupID = 0, 0
}

// StartDetection schedules the periodic detection task. Idempotent.
func (s *Scheduler) StartDetection(ctx context.Context) error {
	cfg := s.loadConfig(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCronLocked(s.location(cfg))

	if s.detectionID != 0 && s.detectionExpr == cfg.CronExpression {
		return nil
	}
	if s.detectionID != 0 {
		s.cron.Remove(s.detectionID)
		s.detectionID = 0
	}

	id, err := s.cron.AddFunc(cfg.CronExpression, s.runDetection)
	if err != nil {
		return err
	}
	s.detectionID = id
	s.detectionExpr = cfg.CronExpression
	log.Printf("cron: detection scheduled (%s, %s)", cfg.CronExpression, s.loc)
	return nil
}

// StartCleanup schedules the daily retention sweep. Idempotent.
func (s *Scheduler) StartCleanup(ctx context.Context) error {
	cfg := s.loadConfig(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCronLocked(s.location(cfg))

	if s.cleanupID != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(s.cleanupExpr, s.runCleanup)
	if err != nil {
		return err
	}
	s.cleanupID = id
	log.Printf("cron: cleanup scheduled (%s, retention %dd)", s.cleanupExpr, s.retentionDays)
	return nil
}

func (s *Scheduler) runDetection() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := s.loadConfig(ctx)
	if !cfg.Enabled {
		log.Printf("cron: detection fired but disabled in config, skipping")
		observability.CronRuns.WithLabelValues("detection", "skipped").Inc()
		return
	}

	var err error
	if cfg.DetectAllChannels {
		_, err = s.detect.TriggerFull(ctx, true)
	} else {
		_, err = s.detect.TriggerSelective(ctx, cfg.SelectedChannelIDs, cfg.SelectedModelIDs)
	}
	if err != nil {
		log.Printf("cron: detection trigger failed: %v", err)
		observability.CronRuns.WithLabelValues("detection", "error").Inc()
		return
	}
	observability.CronRuns.WithLabelValues("detection", "ok").Inc()
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deleted, err := s.CleanupNow(ctx)
	if err != nil {
		log.Printf("cron: cleanup failed: %v", err)
		observability.CronRuns.WithLabelValues("cleanup", "error").Inc()
		return
	}
	log.Printf("cron: cleanup removed %d check logs", deleted)
	observability.CronRuns.WithLabelValues("cleanup", "ok").Inc()
}

// CleanupNow purges logs older than the retention window immediately.
func (s *Scheduler) CleanupNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.PurgeCheckLogsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.CheckLogsPurged.Add(float64(deleted))
	return deleted, nil
}

// refreshLoop keeps the detection schedule aligned with the stored config.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			scheduled := s.detectionID != 0
			s.mu.Unlock()
			if scheduled {
				if err := s.StartDetection(ctx); err != nil {
					log.Printf("cron: reschedule failed: %v", err)
				}
			}
		}
	}
}

// GetStatus reports both tasks and the active concurrency config.
func (s *Scheduler) GetStatus(ctx context.Context) *Status {
	cfg := s.loadConfig(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Status{}
	st.Detection.Enabled = cfg.Enabled
	st.Detection.Schedule = cfg.CronExpression
	st.Detection.Running = s.detectionID != 0
	st.Cleanup.Schedule = s.cleanupExpr
	st.Cleanup.Running = s.cleanupID != 0
	st.Cleanup.RetentionDays = s.retentionDays
	st.Config.ChannelConcurrency = cfg.ChannelConcurrency
	st.Config.MaxGlobalConcurrency = cfg.MaxGlobalConcurrency
	st.Config.MinJitterMs = cfg.MinJitterMs
	st.Config.MaxJitterMs = cfg.MaxJitterMs

	if s.cron != nil {
		if s.detectionID != 0 {
			next := s.cron.Entry(s.detectionID).Next
			st.Detection.NextRun = &next
		}
		if s.cleanupID != 0 {
			next := s.cron.Entry(s.cleanupID).Next
			st.Cleanup.NextRun = &next
		}
	}
	return st
}
