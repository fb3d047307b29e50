package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/clients/upstream"
	"github.com/demandline/demandline/internal/config"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/scheduler"
)

// SystemHandlers serves health, status and operational endpoints.
type SystemHandlers struct {
	db          *database.DB
	cache       *cache.Cache
	client      *upstream.Client
	taskRuns    *scheduler.TaskRunRepository
	cfg         *config.Config
	startupTime time.Time
	log         zerolog.Logger
}

func NewSystemHandlers(db *database.DB, c *cache.Cache, client *upstream.Client,
	taskRuns *scheduler.TaskRunRepository, cfg *config.Config, log zerolog.Logger) *SystemHandlers {

	return &SystemHandlers{
		db:          db,
		cache:       c,
		client:      client,
		taskRuns:    taskRuns,
		cfg:         cfg,
		startupTime: time.Now(),
		log:         log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleHealth is the liveness probe.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "demandline",
		"version": "1.0.0",
	})
}

// HandleStatus returns process, database, cache and upstream status.
// GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cpuAvg := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	memUsed := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		memUsed = memStat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	dbStatus := "ok"
	if err := h.db.QuickCheck(ctx); err != nil {
		dbStatus = err.Error()
	}
	redisStatus := "ok"
	if err := h.cache.Ping(ctx); err != nil {
		redisStatus = err.Error()
	}

	services := map[string]string{}
	for _, svc := range h.client.Services() {
		if err := h.client.Health(ctx, svc, h.cfg.HealthProbeTimeout); err != nil {
			services[svc] = err.Error()
		} else {
			services[svc] = "ok"
		}
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"cpu_percent":    cpuAvg,
		"memory_percent": memUsed,
		"goroutines":     runtime.NumGoroutine(),
		"database":       dbStatus,
		"redis":          redisStatus,
		"services":       services,
		"cache":          h.cache.Stats(),
	})
}

// HandleTaskRuns lists recent scheduled task executions.
// GET /api/system/tasks?task=&limit=
func (h *SystemHandlers) HandleTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskName := r.URL.Query().Get("task")
	limit := queryInt(r, "limit", 50)

	runs, err := h.taskRuns.Recent(r.Context(), taskName, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list task runs")
		writeError(h.log, w, http.StatusInternalServerError, "failed to list task runs")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// HandleCacheStats reports hit/miss counters.
// GET /api/system/cache
func (h *SystemHandlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, h.cache.Stats())
}

type cacheInvalidateRequest struct {
	Pattern string `json:"pattern"`
}

// HandleCacheInvalidate deletes cached entries matching a glob pattern.
// POST /api/system/cache/invalidate
func (h *SystemHandlers) HandleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req cacheInvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Pattern == "" {
		writeError(h.log, w, http.StatusBadRequest, "pattern is required")
		return
	}

	removed, err := h.cache.DeletePattern(r.Context(), req.Pattern)
	if err != nil {
		h.log.Error().Err(err).Str("pattern", req.Pattern).Msg("Cache invalidation failed")
		writeError(h.log, w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// HandleDatabaseStats reports SQLite file and page statistics.
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read database stats")
		writeError(h.log, w, http.StatusInternalServerError, "failed to read database stats")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"size_bytes":     stats.SizeBytes,
		"wal_size_bytes": stats.WALSizeBytes,
		"page_count":     stats.PageCount,
		"page_size":      stats.PageSize,
		"freelist_count": stats.FreelistCount,
	})
}
