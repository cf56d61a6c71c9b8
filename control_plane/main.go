package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelprobe/modelprobe/control_plane/admission"
	"github.com/modelprobe/modelprobe/control_plane/cronsched"
	"github.com/modelprobe/modelprobe/control_plane/detect"
	"github.com/modelprobe/modelprobe/control_plane/middleware"
	"github.com/modelprobe/modelprobe/control_plane/observability"
	"github.com/modelprobe/modelprobe/control_plane/probe"
	"github.com/modelprobe/modelprobe/control_plane/progress"
	"github.com/modelprobe/modelprobe/control_plane/queue"
	"github.com/modelprobe/modelprobe/control_plane/store"
	"github.com/modelprobe/modelprobe/control_plane/worker"
)

func nodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func envInt(name string) *int {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		log.Printf("config: ignoring invalid %s=%q", name, v)
		return nil
	}
	return &n
}

func main() {
	ctx := context.Background()

	// Store: Postgres when DATABASE_URL is set, in-memory otherwise.
	var s store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		ps, err := store.NewPostgresStore(ctx, dbURL)
		if err != nil {
			log.Fatalf("postgres connect failed: %v", err)
		}
		defer ps.Close()
		s = ps
		log.Printf("store: postgres")
	} else {
		s = store.NewMemoryStore()
		log.Printf("store: in-memory (DATABASE_URL not set)")
	}

	// Seed the stored cron expression from the environment once.
	if expr := os.Getenv("CRON_SCHEDULE"); expr != "" {
		cfg, err := s.LoadSchedulerConfig(ctx)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
		if cfg.CronExpression != expr {
			cfg.CronExpression = expr
			if err := s.UpsertSchedulerConfig(ctx, cfg); err != nil {
				log.Fatalf("config save failed: %v", err)
			}
		}
	}

	overrides := worker.Overrides{
		ChannelConcurrency:   envInt("CHANNEL_CONCURRENCY"),
		MaxGlobalConcurrency: envInt("MAX_GLOBAL_CONCURRENCY"),
		MinJitterMs:          envInt("DETECTION_MIN_DELAY_MS"),
		MaxJitterMs:          envInt("DETECTION_MAX_DELAY_MS"),
	}
	cfgCache := worker.NewConfigCache(s, overrides)
	startCfg := cfgCache.Get(ctx)

	// Queue, admission and progress mirror: Redis when BROKER_URL is set,
	// single-process in-memory backends otherwise.
	bus := progress.NewBus(nodeID())
	var q queue.Queue
	var ctrl admission.Controller
	fanOut := startCfg.MaxGlobalConcurrency

	if brokerURL := os.Getenv("BROKER_URL"); brokerURL != "" {
		opt, err := redis.ParseURL(brokerURL)
		if err != nil {
			log.Fatalf("invalid BROKER_URL: %v", err)
		}
		client := redis.NewClient(opt)
		rq, err := queue.NewRedisQueue(client)
		if err != nil {
			log.Fatalf("broker connect failed: %v", err)
		}
		q = rq
		ctrl = admission.NewRedisController(client, func() (int, int) {
			cfg := cfgCache.Get(context.Background())
			return cfg.MaxGlobalConcurrency, cfg.ChannelConcurrency
		})
		mirror := progress.NewMirror(client, bus)
		go mirror.Run(ctx)
		fanOut = worker.DefaultRedisFanOut
		log.Printf("queue: redis broker")
	} else {
		q = queue.NewMemoryQueue()
		ctrl = admission.NewMemoryController(startCfg.MaxGlobalConcurrency, startCfg.ChannelConcurrency)
		log.Printf("queue: in-memory (BROKER_URL not set)")
	}

	exec := probe.NewExecutor()
	syncer := probe.NewCatalogSyncer(s)

	pool := worker.NewPool(s, q, ctrl, exec, bus, cfgCache, fanOut)
	pool.Start(ctx)

	svc := detect.NewService(s, q, ctrl, syncer)
	if os.Getenv("DETECT_SECONDARY_CHAT") == "true" {
		svc.SetSecondaryChat(true)
	}

	retentionDays := 0
	if v := envInt("LOG_RETENTION_DAYS"); v != nil {
		retentionDays = *v
	}
	sched := cronsched.New(s, svc, retentionDays)
	if err := sched.StartAll(ctx); err != nil {
		log.Fatalf("scheduler start failed: %v", err)
	}

	api := NewAPI(s, svc, sched, pool, bus)
	go api.wsHub.Run(ctx)
	hubDetach := api.wsHub.Attach(bus)
	defer hubDetach()

	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/api/detect/full", api.withTriggerLimit(api.handleDetectFull))
	http.Handle("/api/detect/channel", api.withTriggerLimit(api.handleDetectChannel))
	http.Handle("/api/detect/model", api.withTriggerLimit(api.handleDetectModel))
	http.Handle("/api/detect/selective", api.withTriggerLimit(api.handleDetectSelective))
	http.HandleFunc("/api/detect/stop", api.handleDetectStop)

	http.HandleFunc("/api/progress", api.handleProgress)
	http.HandleFunc("/api/progress/stream", api.handleProgressStream)
	http.HandleFunc("/api/progress/ws", api.handleProgressWS)

	http.HandleFunc("/api/scheduler/status", api.handleSchedulerStatus)
	http.HandleFunc("/api/scheduler/start", api.handleSchedulerStart)
	http.HandleFunc("/api/scheduler/stop", api.handleSchedulerStop)
	http.HandleFunc("/api/scheduler/config", api.handleSchedulerConfig)

	http.HandleFunc("/api/channels/", api.handleChannelModels)
	http.HandleFunc("/api/models/", api.handleModelLogs)

	http.Handle("/metrics", promhttp.Handler())

	go runQueueDepthCollector(ctx, q)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	handler := middleware.CORSMiddleware(http.DefaultServeMux)
	log.Printf("listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// runQueueDepthCollector exports queue depth gauges on a fixed cadence.
func runQueueDepthCollector(ctx context.Context, q queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				log.Printf("metrics: queue stats failed: %v", err)
				continue
			}
			observability.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
			observability.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
			observability.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
		}
	}
}
