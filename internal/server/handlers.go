package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/retry"
)

// maxWebhookBody caps inbound webhook payloads at 1MB.
const maxWebhookBody = 1 << 20

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports liveness of both databases.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	dbs := map[string]string{}
	for _, db := range []*database.DB{s.coreDB, s.auditDB} {
		if err := db.QuickCheck(ctx); err != nil {
			dbs[db.Name()] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			dbs[db.Name()] = "ok"
		}
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"databases": dbs,
	})
}

// handleWebhook ingests one inbound marketplace event. The response is 200
// regardless of verification outcome so senders never retry deliveries we
// have already recorded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	mp, ok := domain.ParseMarketplace(chi.URLParam(r, "marketplace"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown marketplace")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	event, err := s.ingestor.Ingest(mp, body, headers)
	if err != nil {
		s.log.Error().Err(err).Str("marketplace", string(mp)).Msg("Webhook ingestion failed")
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"event_id": event.ID,
	})
}

// handleCircuits reports the breaker state of every marketplace.
func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]interface{}, 0, len(domain.Marketplaces()))
	for _, mp := range domain.Marketplaces() {
		rec, err := s.breaker.State(mp)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry := map[string]interface{}{
			"marketplace":   string(mp),
			"phase":         string(rec.Phase),
			"failure_count": rec.FailureCount,
			"success_count": rec.SuccessCount,
			"timeout_sec":   int(rec.Timeout.Seconds()),
		}
		if rec.NextRetryAt != nil {
			entry["next_retry_at"] = rec.NextRetryAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"circuits": out})
}

// handleEmergencyStop halts all automation: schedules stop firing and the
// worker pool stops dispatching. Queued jobs stay queued.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	if err := s.scheduler.DeactivateAll(req.Reason); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.executor.Pause()

	s.log.Warn().Str("reason", req.Reason).Msg("Emergency stop engaged")
	if s.bus != nil {
		s.bus.Emit(events.EmergencyStopSet, "server", map[string]interface{}{
			"reason": req.Reason,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": true,
		"reason":  req.Reason,
	})
}

// handleResume lifts an emergency stop.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ReactivateAll(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.executor.Resume()

	s.log.Info().Msg("Emergency stop lifted")
	if s.bus != nil {
		s.bus.Emit(events.EmergencyStopLifted, "server", nil)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"resumed": true})
}

// handleRecentLogs returns the newest automation log entries.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries, err := s.logs.ListRecent(limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id":          e.ID,
			"user_id":     e.UserID,
			"rule_id":     e.RuleID,
			"marketplace": string(e.Marketplace),
			"action":      e.Action,
			"status":      string(e.Status),
			"error_kind":  e.ErrorKind,
			"reason":      e.Reason,
			"duration_ms": e.Duration.Milliseconds(),
			"session_id":  e.SessionID,
			"created_at":  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"logs": out})
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.rules.Get(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rule == nil {
		s.respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err := s.rules.SetEnabled(id, enabled); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id": id,
		"enabled": enabled,
	})
}

// handleGetSyncJob returns one sync job with its per-target history.
func (s *Server) handleGetSyncJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.syncJobs.Get(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		s.respondError(w, http.StatusNotFound, "sync job not found")
		return
	}
	history, err := s.syncJobs.HistoryForJob(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	targets := make([]map[string]interface{}, 0, len(history))
	for _, h := range history {
		targets = append(targets, map[string]interface{}{
			"target":      string(h.Target),
			"outcome":     h.Outcome,
			"detail":      h.Detail,
			"duration_ms": h.Duration.Milliseconds(),
			"recorded_at": h.RecordedAt.UTC().Format(time.RFC3339),
		})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"listing_id": job.ListingID,
		"source":     string(job.Source),
		"status":     string(job.Status),
		"total":      job.Total,
		"done":       job.Done,
		"failed":     job.Failed,
		"started_at": job.StartedAt.UTC().Format(time.RFC3339),
		"history":    targets,
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleListDeadLetters lists quarantined jobs, newest first.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	resolution := r.URL.Query().Get("resolution")
	if resolution == "" {
		resolution = retry.ResolutionPendingReview
	}
	limit := queryInt(r, "limit", 50)

	letters, err := s.deadLetters.ListByResolution(resolution, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(letters))
	for _, d := range letters {
		out = append(out, map[string]interface{}{
			"id":               d.ID,
			"job_id":           d.JobID,
			"job_type":         d.JobType,
			"final_category":   d.FinalCategory,
			"total_attempts":   d.TotalAttempts,
			"first_failure_at": d.FirstFailureAt.UTC().Format(time.RFC3339),
			"last_failure_at":  d.LastFailureAt.UTC().Format(time.RFC3339),
			"resolution":       d.Resolution,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": out})
}

// handleResolveDeadLetter moves a dead letter out of pending review.
func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Resolution != retry.ResolutionDiscarded && req.Resolution != retry.ResolutionResolved {
		s.respondError(w, http.StatusBadRequest, "resolution must be discarded or resolved")
		return
	}

	letter, err := s.deadLetters.Get(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letter == nil {
		s.respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	if err := s.deadLetters.Resolve(id, req.Resolution); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":         id,
		"resolution": req.Resolution,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
