// Package app assembles the service: storage, the reading and note sources,
// the correlation engine, the worker queue, the note watcher, push fanout,
// and the HTTP surface.
package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/analysis"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/backfill"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/config"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/engine"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/events"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/httpapi"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/metrics"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/nightscout"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/notes"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/notify"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/queue"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/store"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/watch"
)

// App wires the data plane components together.
type App struct {
	cfg      config.Config
	store    *store.Store
	engine   *engine.Engine
	queue    *queue.Queue
	bus      *events.Bus
	notifier *notify.Notifier
	watcher  *watch.Watcher
	mux      *http.ServeMux

	kick         chan struct{}
	backfillReqs chan int
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	reset, err := st.ResetStuckAnalyses(context.Background(), config.Now())
	if err != nil {
		st.Close()
		return nil, err
	}
	if reset > 0 {
		log.Printf("released %d analyses stuck from a previous run", reset)
	}

	var readings engine.ReadingSource
	if cfg.NightscoutURL != "" {
		readings = nightscout.NewClient(cfg.NightscoutURL, cfg.NightscoutSecret, cfg.NightscoutToken, 0)
	} else {
		log.Println("nightscout url not set, glucose ingest disabled")
		readings = noReadings{}
	}

	var analyzer engine.Analyzer
	var day httpapi.DaySummarizer
	if cfg.LLM.Enabled {
		client := analysis.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
		analyzer = client
		day = client
	} else {
		log.Println("llm disabled, events will not be analyzed")
	}

	q := queue.New(cfg.QueueSize, cfg.WorkerCount, time.Duration(cfg.AnalysisTimeoutSec)*time.Second)
	bus := events.NewBus()
	eng := engine.New(cfg, engine.Deps{
		Store:    st,
		Readings: readings,
		Notes:    notes.NewSource(cfg.NotesDir),
		Analyzer: analyzer,
		Queue:    q,
		Bus:      bus,
	})

	a := &App{
		cfg:          cfg,
		store:        st,
		engine:       eng,
		queue:        q,
		bus:          bus,
		notifier:     notify.NewNotifier(cfg.PushURL),
		kick:         make(chan struct{}, 1),
		backfillReqs: make(chan int, 1),
	}
	a.watcher = watch.New(cfg.NotesDir, cfg.EnableWatcher, a.kickCycle)

	var backfiller httpapi.Backfiller
	if cfg.LLM.Enabled {
		backfiller = a
	}
	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, httpapi.Deps{
		Store:      st,
		Engine:     eng,
		Queue:      q,
		Day:        day,
		Backfiller: backfiller,
	})
	router.Register(mux)
	a.mux = mux
	return a, nil
}

// Run starts the workers, the watcher, the cycle loop, the push fanout and
// the HTTP server. It blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.notifier.Enabled() {
		// Subscribe before the first cycle so no analysis outruns the fanout.
		sub := a.bus.Subscribe()
		go a.pushLoop(ctx, sub)
	}
	go a.cycleLoop(ctx)

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxTimeout)
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.queue.Stop(stopCtx)
	return err
}

// Close releases the store. Callers own this after Run returns.
func (a *App) Close() error { return a.store.Close() }

// Backfill requests a catch-up pass over events still waiting for analysis.
// The pass runs on the cycle loop; a request made while one is already
// pending coalesces into it.
func (a *App) Backfill(limit int) {
	select {
	case a.backfillReqs <- limit:
	default:
		log.Println("backfill already pending")
	}
}

func (a *App) kickCycle() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// cycleLoop runs the ingest cycle on the poll interval. Watcher kicks and
// backfill requests are serviced between ticks so a saved note lands without
// waiting for the next poll.
func (a *App) cycleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()

	failures := 0
	cycle := func(trigger string) {
		if _, err := a.engine.RunCycle(ctx); err != nil {
			failures++
			log.Printf("cycle (%s) failed, %d in a row: %v", trigger, failures, err)
			return
		}
		failures = 0
	}

	cycle("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle("poll")
		case <-a.kick:
			cycle("watch")
		case limit := <-a.backfillReqs:
			backfill.Run(ctx, &analysisCatchup{store: a.store, engine: a.engine}, limit)
		}
	}
}

// pushLoop forwards noteworthy finished analyses to the push topic.
func (a *App) pushLoop(ctx context.Context, sub <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			logged, ok := ev.(events.AnalysisLogged)
			if !ok {
				continue
			}
			a.pushAnalysis(ctx, logged.Record)
		}
	}
}

func (a *App) pushAnalysis(ctx context.Context, rec model.AnalysisRecord) {
	var noteText string
	if n, err := a.store.GetNote(ctx, rec.EventUUID); err == nil && n != nil {
		noteText = n.Text
	}
	msg, ok := notify.FromAnalysis(rec, noteText)
	if !ok {
		return
	}
	sent, err := a.notifier.Send(ctx, msg)
	if err != nil {
		log.Printf("push %s: %v", rec.EventUUID, err)
		return
	}
	if sent {
		metrics.IncPushesSent()
	}
}

// analysisCatchup adapts the store and engine to the backfill pass.
type analysisCatchup struct {
	store  *store.Store
	engine *engine.Engine
}

func (c *analysisCatchup) ListCandidates(ctx context.Context) ([]backfill.Candidate, error) {
	evs, err := c.store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]backfill.Candidate, 0, len(evs))
	for _, ev := range evs {
		cands = append(cands, backfill.Candidate{
			EventUUID: ev.NoteUUID,
			Timestamp: ev.Timestamp,
			State:     ev.State,
		})
	}
	return cands, nil
}

func (c *analysisCatchup) ScheduleCandidate(ctx context.Context, cand backfill.Candidate) (bool, error) {
	return c.engine.ScheduleAnalysis(ctx, cand.EventUUID)
}

func (c *analysisCatchup) OnBackfillComplete(backfill.Summary) {
	metrics.IncBackfillRuns()
}

// noReadings stands in for Nightscout when no URL is configured. Notes still
// ingest; events just compute against whatever readings are already stored.
type noReadings struct{}

func (noReadings) FetchNewReadings(context.Context, time.Time) ([]model.Reading, error) {
	return nil, nil
}

func (a *App) Store() *store.Store    { return a.store }
func (a *App) Engine() *engine.Engine { return a.engine }
func (a *App) Mux() *http.ServeMux    { return a.mux }
