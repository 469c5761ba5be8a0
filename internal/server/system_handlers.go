package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/scheduler"
)

// SystemHandlers exposes process and store health for dashboards.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	coreDB    *database.DB
	auditDB   *database.DB
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	breaker   *breaker.Breaker
	startedAt time.Time
}

// NewSystemHandlers creates system monitoring handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, coreDB, auditDB *database.DB,
	exec *executor.Executor, sched *scheduler.Scheduler, brk *breaker.Breaker) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		coreDB:    coreDB,
		auditDB:   auditDB,
		executor:  exec,
		scheduler: sched,
		breaker:   brk,
		startedAt: time.Now().UTC(),
	}
}

// HandleStatus reports process health, pool state, and circuit phases.
// GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, ramPct := h.systemStats()

	paused, err := h.scheduler.Paused()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read emergency stop flag")
	}

	circuits := map[string]string{}
	for _, mp := range domain.Marketplaces() {
		rec, err := h.breaker.State(mp)
		if err != nil {
			circuits[string(mp)] = "unknown"
			continue
		}
		circuits[string(mp)] = string(rec.Phase)
	}

	resp := map[string]interface{}{
		"uptime_seconds":  int(time.Since(h.startedAt).Seconds()),
		"cpu_percent":     cpuPct,
		"ram_percent":     ramPct,
		"data_dir_mb":     h.dirSizeMB(h.dataDir),
		"queue_depth":     h.executor.QueueDepth(),
		"executor_paused": h.executor.Paused(),
		"emergency_stop":  paused,
		"circuits":        circuits,
	}

	if usage, err := disk.Usage(h.dataDir); err == nil {
		resp["disk_free_mb"] = float64(usage.Free) / 1024 / 1024
		resp["disk_used_percent"] = usage.UsedPercent
	}

	writeJSON(w, h.log, resp)
}

// HandleDatabaseStats reports size and page statistics of both stores.
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	for _, db := range []*database.DB{h.coreDB, h.auditDB} {
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("db", db.Name()).Msg("Failed to read database stats")
			out[db.Name()] = map[string]string{"error": err.Error()}
			continue
		}
		out[db.Name()] = map[string]interface{}{
			"size_mb":        float64(stats.SizeBytes) / 1024 / 1024,
			"wal_size_mb":    float64(stats.WALSizeBytes) / 1024 / 1024,
			"page_count":     stats.PageCount,
			"page_size":      stats.PageSize,
			"freelist_count": stats.FreelistCount,
		}
	}
	writeJSON(w, h.log, out)
}

// systemStats samples CPU and RAM usage. The CPU sample is 100ms so status
// requests stay fast.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// dirSizeMB calculates total size of a directory in MB.
func (h *SystemHandlers) dirSizeMB(dirPath string) float64 {
	var totalSize int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}
	return float64(totalSize) / 1024 / 1024
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
