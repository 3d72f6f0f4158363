package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/analysis"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/chart"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/engine"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Floats are rounded to one decimal at this boundary only; everything
// upstream computes and stores raw values.
type statsResponse struct {
	AtEvent  *float64   `json:"at_event"`
	Min      *float64   `json:"min"`
	Max      *float64   `json:"max"`
	Avg      *float64   `json:"avg"`
	Spike    *float64   `json:"spike"`
	PeakTime *time.Time `json:"peak_time,omitempty"`
	Count    int        `json:"count"`
}

type eventResponse struct {
	NoteUUID       string        `json:"note_uuid"`
	Timestamp      time.Time     `json:"timestamp"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	State          string        `json:"state"`
	Stats          statsResponse `json:"stats"`
	LastAnalyzedAt *time.Time    `json:"last_analyzed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type analysisResponse struct {
	ID             int64         `json:"id"`
	EventUUID      string        `json:"event_uuid"`
	RequestedAt    time.Time     `json:"requested_at"`
	Stats          statsResponse `json:"stats"`
	Text           string        `json:"text,omitempty"`
	Classification string        `json:"classification,omitempty"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
}

type eventDetailResponse struct {
	Event          eventResponse     `json:"event"`
	Note           *model.Note       `json:"note,omitempty"`
	Overlaps       []eventResponse   `json:"overlaps,omitempty"`
	LatestAnalysis *analysisResponse `json:"latest_analysis,omitempty"`
}

type dayResponse struct {
	Day            string   `json:"day"`
	Min            *float64 `json:"min"`
	Max            *float64 `json:"max"`
	Avg            *float64 `json:"avg"`
	StdDev         *float64 `json:"std_dev"`
	TimeInRangePct *float64 `json:"time_in_range_pct"`
	TimeBelowPct   *float64 `json:"time_below_pct"`
	TimeAbovePct   *float64 `json:"time_above_pct"`
	Count          int      `json:"count"`
}

type periodResponse struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Min            *float64  `json:"min"`
	Max            *float64  `json:"max"`
	Avg            *float64  `json:"avg"`
	StdDev         *float64  `json:"std_dev"`
	TimeInRangePct *float64  `json:"time_in_range_pct"`
	TimeBelowPct   *float64  `json:"time_below_pct"`
	TimeAbovePct   *float64  `json:"time_above_pct"`
	GMI            *float64  `json:"gmi"`
	CoV            *float64  `json:"cov"`
	Count          int       `json:"count"`
}

func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = r.now().Add(24 * time.Hour)
	}
	evs, err := r.engine.ListEventsInRange(req.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	state := strings.TrimSpace(q.Get("state"))
	out := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		if state != "" && string(ev.State) != state {
			continue
		}
		out = append(out, toEventResponse(ev))
	}
	respondJSON(w, map[string]any{"events": out, "count": len(out)})
}

// eventDetail serves /api/events/{uuid} and /api/events/{uuid}/chart.png.
func (r *Router) eventDetail(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/events/"), "/")
	if path == "" {
		http.NotFound(w, req)
		return
	}
	if strings.HasSuffix(path, "/chart.png") {
		r.eventChart(w, req, strings.TrimSuffix(path, "/chart.png"))
		return
	}
	if strings.Contains(path, "/") {
		http.NotFound(w, req)
		return
	}
	detail, err := r.engine.GetEventDetail(req.Context(), path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, toDetailResponse(detail))
}

func (r *Router) eventChart(w http.ResponseWriter, req *http.Request, uuid string) {
	detail, err := r.engine.GetEventDetail(req.Context(), uuid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.NotFound(w, req)
		return
	}
	readings, err := r.store.ReadingsBetween(req.Context(), detail.Event.PeriodStart, detail.Event.PeriodEnd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	opts := chart.Options{Low: r.cfg.Engine.TargetLow, High: r.cfg.Engine.TargetHigh}
	if detail.Note != nil {
		opts.Title = detail.Note.Text
	}
	png, err := chart.Render(detail.Event, readings, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// days serves GET /api/days/{date} and POST /api/days/{date}/summary.
func (r *Router) days(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/days/"), "/")
	if path == "" {
		http.NotFound(w, req)
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		r.dayStats(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "summary":
		r.daySummary(w, req, parts[0])
	default:
		http.NotFound(w, req)
	}
}

func (r *Router) dayStats(w http.ResponseWriter, req *http.Request, day string) {
	ds, err := r.engine.GetDayStats(req.Context(), day)
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ds == nil {
		http.Error(w, "no readings for day", http.StatusNotFound)
		return
	}
	respondJSON(w, toDayResponse(*ds))
}

func (r *Router) daySummary(w http.ResponseWriter, req *http.Request, day string) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.day == nil {
		http.Error(w, "analysis disabled", http.StatusServiceUnavailable)
		return
	}
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		http.Error(w, "want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	ds, err := r.engine.GetDayStats(req.Context(), day)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ds == nil {
		http.Error(w, "no readings for day", http.StatusNotFound)
		return
	}
	readings, err := r.store.ReadingsBetween(req.Context(), start, start.Add(24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summary, err := r.day.RequestDaySummary(req.Context(),
		analysis.DaySystemPrompt(r.cfg.LLM.PromptVersion),
		analysis.DayUserPrompt(*ds, readings))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondJSON(w, summary)
}

func (r *Router) period(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = r.now()
	}
	if from.IsZero() {
		from = to.Add(-14 * 24 * time.Hour)
	}
	if !from.Before(to) {
		http.Error(w, "from must precede to", http.StatusBadRequest)
		return
	}
	ps, err := r.engine.GetPeriodStats(req.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, toPeriodResponse(ps))
}

func (r *Router) chat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.cfg.LLM.Enabled {
		http.Error(w, "analysis disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := r.engine.Chat(req.Context(), body.Question)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondJSON(w, map[string]any{"answer": answer})
}

func toStatsResponse(s model.EventStats) statsResponse {
	return statsResponse{
		AtEvent:  round1(s.AtEvent),
		Min:      round1(s.Min),
		Max:      round1(s.Max),
		Avg:      round1(s.Avg),
		Spike:    round1(s.Spike),
		PeakTime: s.PeakTime,
		Count:    s.Count,
	}
}

func toEventResponse(ev model.Event) eventResponse {
	return eventResponse{
		NoteUUID:       ev.NoteUUID,
		Timestamp:      ev.Timestamp,
		PeriodStart:    ev.PeriodStart,
		PeriodEnd:      ev.PeriodEnd,
		State:          string(ev.State),
		Stats:          toStatsResponse(ev.Stats),
		LastAnalyzedAt: ev.LastAnalyzedAt,
		UpdatedAt:      ev.UpdatedAt,
	}
}

func toAnalysisResponse(rec model.AnalysisRecord) analysisResponse {
	return analysisResponse{
		ID:             rec.ID,
		EventUUID:      rec.EventUUID,
		RequestedAt:    rec.RequestedAt,
		Stats:          toStatsResponse(rec.Stats),
		Text:           rec.Text,
		Classification: rec.Classification,
		Status:         rec.Status,
		Error:          rec.Error,
	}
}

func toDetailResponse(d *engine.EventDetail) eventDetailResponse {
	out := eventDetailResponse{Event: toEventResponse(d.Event), Note: d.Note}
	for _, ov := range d.Overlaps {
		out.Overlaps = append(out.Overlaps, toEventResponse(ov))
	}
	if d.Latest != nil {
		rec := toAnalysisResponse(*d.Latest)
		out.LatestAnalysis = &rec
	}
	return out
}

func toDayResponse(ds model.DayStats) dayResponse {
	return dayResponse{
		Day:            ds.Day,
		Min:            round1(ds.Min),
		Max:            round1(ds.Max),
		Avg:            round1(ds.Avg),
		StdDev:         round1(ds.StdDev),
		TimeInRangePct: round1(ds.TimeInRangePct),
		TimeBelowPct:   round1(ds.TimeBelowPct),
		TimeAbovePct:   round1(ds.TimeAbovePct),
		Count:          ds.Count,
	}
}

func toPeriodResponse(ps model.PeriodStats) periodResponse {
	return periodResponse{
		Start:          ps.Start,
		End:            ps.End,
		Min:            round1(ps.Min),
		Max:            round1(ps.Max),
		Avg:            round1(ps.Avg),
		StdDev:         round1(ps.StdDev),
		TimeInRangePct: round1(ps.TimeInRangePct),
		TimeBelowPct:   round1(ps.TimeBelowPct),
		TimeAbovePct:   round1(ps.TimeAbovePct),
		GMI:            round1(ps.GMI),
		CoV:            round1(ps.CoV),
		Count:          ps.Count,
	}
}

func round1(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*10) / 10
	return &r
}
