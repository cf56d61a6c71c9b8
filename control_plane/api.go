package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/modelprobe/modelprobe/control_plane/cronsched"
	"github.com/modelprobe/modelprobe/control_plane/detect"
	"github.com/modelprobe/modelprobe/control_plane/middleware"
	"github.com/modelprobe/modelprobe/control_plane/progress"
	"github.com/modelprobe/modelprobe/control_plane/store"
	"github.com/modelprobe/modelprobe/control_plane/worker"
)

// API holds the HTTP handlers and their dependencies.
type API struct {
	store  store.Store
	detect *detect.Service
	sched  *cronsched.Scheduler
	pool   *worker.Pool
	bus    *progress.Bus

	wsHub *ProgressHub

	// triggerLimiter throttles the detection trigger endpoints per client
	// IP so a misbehaving dashboard cannot stampede the upstreams.
	triggerLimiter *middleware.IPRateLimiter
}

// NewAPI wires the handlers.
func NewAPI(s store.Store, d *detect.Service, sched *cronsched.Scheduler, pool *worker.Pool, bus *progress.Bus) *API {
	api := &API{
		store:          s,
		detect:         d,
		sched:          sched,
		pool:           pool,
		bus:            bus,
		triggerLimiter: middleware.NewIPRateLimiter(2, 5),
	}
	api.wsHub = NewProgressHub(d)
	return api
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withTriggerLimit applies the per-IP budget to a trigger handler.
func (a *API) withTriggerLimit(next http.HandlerFunc) http.Handler {
	return a.triggerLimiter.Middleware(next)
}

// -- Detection triggers --

func (a *API) handleDetectFull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		SyncFirst bool `json:"sync_first"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body means defaults
	}

	result, err := a.detect.TriggerFull(r.Context(), body.SyncFirst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDetectChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ChannelID int64   `json:"channel_id"`
		ModelIDs  []int64 `json:"model_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ChannelID <= 0 {
		writeError(w, http.StatusBadRequest, "channel_id required")
		return
	}

	result, err := a.detect.TriggerChannel(r.Context(), body.ChannelID, body.ModelIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDetectModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ModelID int64 `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ModelID <= 0 {
		writeError(w, http.StatusBadRequest, "model_id required")
		return
	}

	result, err := a.detect.TriggerModel(r.Context(), body.ModelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDetectSelective(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ChannelIDs []int64           `json:"channel_ids"`
		Models     map[int64][]int64 `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.detect.TriggerSelective(r.Context(), body.ChannelIDs, body.Models)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDetectStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	cleared, err := a.detect.StopDetection(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// -- Progress --

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := a.detect.ProgressSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- Scheduler --

func (a *API) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.GetStatus(r.Context()))
}

func (a *API) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := a.sched.StartAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.sched.GetStatus(r.Context()))
}

func (a *API) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	a.sched.StopAll()
	writeJSON(w, http.StatusOK, a.sched.GetStatus(r.Context()))
}

func (a *API) handleSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := a.store.LoadSchedulerConfig(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodPut, http.MethodPost:
		var cfg store.SchedulerConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		cfg.Normalize()
		if err := a.store.UpsertSchedulerConfig(r.Context(), &cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Workers pick the change up through the config cache; the cron
		// schedule is realigned immediately.
		a.pool.ReloadConfig()
		if err := a.sched.StartDetection(r.Context()); err != nil {
			log.Printf("api: reschedule after config update failed: %v", err)
		}
		writeJSON(w, http.StatusOK, &cfg)

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT required")
	}
}

// -- Dashboard reads --

// handleChannelModels serves /api/channels/{id}/models: each model with its
// current endpoint rows.
func (a *API) handleChannelModels(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "models" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	channelID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	models, err := a.store.ListChannelModels(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type modelView struct {
		*store.Model
		Endpoints []*store.ModelEndpoint `json:"endpoints"`
	}
	out := make([]*modelView, 0, len(models))
	for _, m := range models {
		endpoints, err := a.store.ListEndpointStates(r.Context(), m.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, &modelView{Model: m, Endpoints: endpoints})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleModelLogs serves /api/models/{id}/logs?limit=N.
func (a *API) handleModelLogs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/models/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "logs" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	modelID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid model id")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	logs, err := a.store.ListCheckLogs(r.Context(), modelID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
