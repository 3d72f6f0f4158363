// Package httpapi serves the read API and the ops surface over plain
// net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/analysis"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/config"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/engine"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/metrics"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/queue"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/store"
)

// DaySummarizer produces the validated JSON day review.
type DaySummarizer interface {
	RequestDaySummary(ctx context.Context, systemPrompt, userPrompt string) (analysis.DaySummary, error)
}

// Backfiller launches an asynchronous catch-up pass over waiting events.
type Backfiller interface {
	Backfill(limit int)
}

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg        config.Config
	store      *store.Store
	engine     *engine.Engine
	queue      *queue.Queue
	day        DaySummarizer
	backfiller Backfiller
	now        func() time.Time
}

// Deps bundles what the router serves from. Day and Backfiller may be nil;
// the matching endpoints answer 503. Now defaults to config.Now.
type Deps struct {
	Store      *store.Store
	Engine     *engine.Engine
	Queue      *queue.Queue
	Day        DaySummarizer
	Backfiller Backfiller
	Now        func() time.Time
}

func NewRouter(cfg config.Config, deps Deps) *Router {
	now := deps.Now
	if now == nil {
		now = config.Now
	}
	return &Router{
		cfg:        cfg,
		store:      deps.Store,
		engine:     deps.Engine,
		queue:      deps.Queue,
		day:        deps.Day,
		backfiller: deps.Backfiller,
		now:        now,
	}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/events", r.events)
	mux.HandleFunc("/api/events/", r.eventDetail)
	mux.HandleFunc("/api/days/", r.days)
	mux.HandleFunc("/api/period", r.period)
	mux.HandleFunc("/api/chat", r.chat)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/cycle", r.cycle)
	mux.HandleFunc("/ops/backfill", r.backfill)
	mux.HandleFunc("/ops/analyses", r.analyses)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	totals, err := r.store.CountTotals(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{
		"environment":        r.cfg.Environment,
		"workers":            r.cfg.WorkerCount,
		"queue":              r.queue.Stats(),
		"analyses_in_flight": r.engine.InFlight(),
		"totals":             totals,
		"counters":           metrics.Snapshot(),
	})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !r.queue.Healthy() {
		http.Error(w, "queue stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) cycle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sum, err := r.engine.RunCycle(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, sum)
}

func (r *Router) backfill(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.backfiller == nil {
		http.Error(w, "backfill disabled", http.StatusServiceUnavailable)
		return
	}
	limit := parseIntDefault(req.URL.Query().Get("limit"), r.cfg.BackfillLimit)
	if limit <= 0 {
		limit = r.cfg.BackfillLimit
	}
	r.backfiller.Backfill(limit)
	respondJSON(w, map[string]any{"status": "started", "limit": limit})
}

func (r *Router) analyses(w http.ResponseWriter, req *http.Request) {
	limit := parseIntDefault(req.URL.Query().Get("limit"), 50)
	if limit <= 0 {
		limit = 50
	}
	list, err := r.store.ListAnalyses(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]analysisResponse, 0, len(list))
	for _, rec := range list {
		out = append(out, toAnalysisResponse(rec))
	}
	respondJSON(w, map[string]any{"analyses": out, "count": len(out)})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}

func parseIntDefault(value string, fallback int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
