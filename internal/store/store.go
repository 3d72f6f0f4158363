package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Store wraps SQLite access for readings, notes, events, analyses and day
// stats.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Analysis workers write concurrently with the cycle; a single connection
	// keeps sqlite from answering them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			ts TIMESTAMP PRIMARY KEY,
			value REAL NOT NULL,
			trend TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS notes (
			uuid TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			text TEXT,
			folder TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			note_uuid TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			period_start TIMESTAMP NOT NULL,
			period_end TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			at_event REAL,
			min_value REAL,
			max_value REAL,
			avg_value REAL,
			spike REAL,
			peak_time TIMESTAMP,
			reading_count INTEGER NOT NULL DEFAULT 0,
			last_analyzed_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
		`CREATE TABLE IF NOT EXISTS analyses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_uuid TEXT NOT NULL,
			requested_at TIMESTAMP,
			at_event REAL,
			min_value REAL,
			max_value REAL,
			avg_value REAL,
			spike REAL,
			peak_time TIMESTAMP,
			reading_count INTEGER NOT NULL DEFAULT 0,
			text TEXT,
			classification TEXT,
			status TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_event ON analyses(event_uuid);`,
		`CREATE TABLE IF NOT EXISTS day_stats (
			day TEXT PRIMARY KEY,
			avg_value REAL,
			min_value REAL,
			max_value REAL,
			std_dev REAL,
			below_pct REAL,
			in_range_pct REAL,
			above_pct REAL,
			reading_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// execRetry absorbs SQLITE_BUSY from concurrent writers with a short linear
// backoff before giving up.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusy(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return res, err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// InsertReading stores a reading, keyed by timestamp. Returns false when a
// reading at that timestamp already exists.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) (bool, error) {
	res, err := s.execRetry(ctx, `INSERT INTO readings(ts, value, trend) VALUES(?,?,?)
		ON CONFLICT(ts) DO NOTHING`, r.Timestamp, r.Value, string(r.Trend))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LastReadingTime returns the newest stored reading timestamp, or the zero
// time when no readings exist.
func (s *Store) LastReadingTime(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ts FROM readings ORDER BY ts DESC LIMIT 1`)
	var ts time.Time
	switch err := row.Scan(&ts); err {
	case nil:
		return ts, nil
	case sql.ErrNoRows:
		return time.Time{}, nil
	default:
		return time.Time{}, err
	}
}

// ReadingsBetween returns readings with start <= ts < end, oldest first.
func (s *Store) ReadingsBetween(ctx context.Context, start, end time.Time) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, value, trend FROM readings
		WHERE ts >= ? AND ts < ? ORDER BY ts ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var trend sql.NullString
		if err := rows.Scan(&r.Timestamp, &r.Value, &trend); err != nil {
			return nil, err
		}
		if trend.Valid {
			r.Trend = model.Trend(trend.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertNote stores a note once. Returns false when the uuid is already
// known.
func (s *Store) InsertNote(ctx context.Context, n model.Note, ts time.Time) (bool, error) {
	res, err := s.execRetry(ctx, `INSERT INTO notes(uuid, ts, text, folder, created_at) VALUES(?,?,?,?,?)
		ON CONFLICT(uuid) DO NOTHING`, n.UUID, n.Timestamp, n.Text, n.Folder, ts)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// GetNote returns the note for a uuid, or nil when none exists.
func (s *Store) GetNote(ctx context.Context, uuid string) (*model.Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, ts, text, folder FROM notes WHERE uuid=?`, uuid)
	var n model.Note
	var text, folder sql.NullString
	switch err := row.Scan(&n.UUID, &n.Timestamp, &text, &folder); err {
	case nil:
		n.Text = text.String
		n.Folder = folder.String
		return &n, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// LastNoteIngestTime returns the newest note ingestion time, or the zero time
// when no notes exist.
func (s *Store) LastNoteIngestTime(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT created_at FROM notes ORDER BY created_at DESC LIMIT 1`)
	var ts time.Time
	switch err := row.Scan(&ts); err {
	case nil:
		return ts, nil
	case sql.ErrNoRows:
		return time.Time{}, nil
	default:
		return time.Time{}, err
	}
}

func (s *Store) CreateEvent(ctx context.Context, ev model.Event) error {
	_, err := s.execRetry(ctx, `INSERT INTO events(note_uuid, ts, period_start, period_end, state,
		at_event, min_value, max_value, avg_value, spike, peak_time, reading_count, last_analyzed_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.NoteUUID, ev.Timestamp, ev.PeriodStart, ev.PeriodEnd, ev.State,
		ev.Stats.AtEvent, ev.Stats.Min, ev.Stats.Max, ev.Stats.Avg, ev.Stats.Spike,
		ev.Stats.PeakTime, ev.Stats.Count, ev.LastAnalyzedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create event %s: %w", ev.NoteUUID, err)
	}
	return nil
}

const eventCols = `note_uuid, ts, period_start, period_end, state,
	at_event, min_value, max_value, avg_value, spike, peak_time, reading_count, last_analyzed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc rowScanner) (model.Event, error) {
	var ev model.Event
	var atEvent, minV, maxV, avgV, spike sql.NullFloat64
	var peak, analyzed sql.NullTime
	err := sc.Scan(&ev.NoteUUID, &ev.Timestamp, &ev.PeriodStart, &ev.PeriodEnd, &ev.State,
		&atEvent, &minV, &maxV, &avgV, &spike, &peak, &ev.Stats.Count, &analyzed, &ev.UpdatedAt)
	if err != nil {
		return ev, err
	}
	ev.Stats.AtEvent = floatPtr(atEvent)
	ev.Stats.Min = floatPtr(minV)
	ev.Stats.Max = floatPtr(maxV)
	ev.Stats.Avg = floatPtr(avgV)
	ev.Stats.Spike = floatPtr(spike)
	if peak.Valid {
		ev.Stats.PeakTime = &peak.Time
	}
	if analyzed.Valid {
		ev.LastAnalyzedAt = &analyzed.Time
	}
	return ev, nil
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// GetEvent returns the event for a note uuid, or nil when none exists.
func (s *Store) GetEvent(ctx context.Context, uuid string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE note_uuid=?`, uuid)
	ev, err := scanEvent(row)
	switch err {
	case nil:
		return &ev, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// ListEvents returns all events ordered by event timestamp.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events ORDER BY ts ASC`)
}

// ListEventsInRange returns events whose timestamp satisfies
// start <= ts < end, ordered by timestamp.
func (s *Store) ListEventsInRange(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events WHERE ts >= ? AND ts < ? ORDER BY ts ASC`, start, end)
}

// ListEventsByState returns events in the given lifecycle state, ordered by
// timestamp.
func (s *Store) ListEventsByState(ctx context.Context, state model.EventState) ([]model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events WHERE state=? ORDER BY ts ASC`, state)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// WidenEvent extends an event's period end and marks it for recomputation.
// The state moves to needs_recompute from any state, including analyzing, so
// an in-flight result cannot settle an event whose window just changed.
func (s *Store) WidenEvent(ctx context.Context, uuid string, newEnd, ts time.Time) error {
	_, err := s.execRetry(ctx, `UPDATE events SET period_end=?, state=?, updated_at=? WHERE note_uuid=?`,
		newEnd, model.StateNeedsRecompute, ts, uuid)
	return err
}

// MarkEventNeedsRecompute flags an event whose window gained data. Applies
// from any state, including analyzing; see WidenEvent.
func (s *Store) MarkEventNeedsRecompute(ctx context.Context, uuid string, ts time.Time) error {
	_, err := s.execRetry(ctx, `UPDATE events SET state=?, updated_at=? WHERE note_uuid=?`,
		model.StateNeedsRecompute, ts, uuid)
	return err
}

// ResetStuckAnalyses returns events left in analyzing by a previous process
// to the reanalysis queue. Called once at startup, when no work can actually
// be in flight.
func (s *Store) ResetStuckAnalyses(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.execRetry(ctx, `UPDATE events SET state=?, updated_at=? WHERE state=?`,
		model.StateNeedsReanalysis, ts, model.StateAnalyzing)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceEventStats overwrites the stored stat snapshot and state in one
// step.
func (s *Store) ReplaceEventStats(ctx context.Context, uuid string, st model.EventStats, state model.EventState, ts time.Time) error {
	_, err := s.execRetry(ctx, `UPDATE events SET at_event=?, min_value=?, max_value=?, avg_value=?, spike=?,
		peak_time=?, reading_count=?, state=?, updated_at=? WHERE note_uuid=?`,
		st.AtEvent, st.Min, st.Max, st.Avg, st.Spike, st.PeakTime, st.Count, state, ts, uuid)
	return err
}

// ClaimEventForAnalysis moves an event from needs_reanalysis to analyzing.
// Returns false when the event was not in needs_reanalysis, which means
// another actor got there first or new data arrived.
func (s *Store) ClaimEventForAnalysis(ctx context.Context, uuid string, ts time.Time) (bool, error) {
	res, err := s.execRetry(ctx, `UPDATE events SET state=?, updated_at=? WHERE note_uuid=? AND state=?`,
		model.StateAnalyzing, ts, uuid, model.StateNeedsReanalysis)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishEventAnalysis records a completed analysis run. last_analyzed_at
// always advances; the state settles to current only if the event is still
// analyzing, so window or data changes that landed mid-run keep their
// recompute marker.
func (s *Store) FinishEventAnalysis(ctx context.Context, uuid string, at time.Time) error {
	if _, err := s.execRetry(ctx, `UPDATE events SET last_analyzed_at=?, updated_at=? WHERE note_uuid=?`, at, at, uuid); err != nil {
		return err
	}
	_, err := s.execRetry(ctx, `UPDATE events SET state=? WHERE note_uuid=? AND state=?`,
		model.StateCurrent, uuid, model.StateAnalyzing)
	return err
}

// RevertEventAnalysis puts a failed analysis back in the queue for the next
// scheduling pass.
func (s *Store) RevertEventAnalysis(ctx context.Context, uuid string, ts time.Time) error {
	_, err := s.execRetry(ctx, `UPDATE events SET state=?, updated_at=? WHERE note_uuid=? AND state=?`,
		model.StateNeedsReanalysis, ts, uuid, model.StateAnalyzing)
	return err
}

// AppendAnalysis records one analysis run. The log is append-only.
func (s *Store) AppendAnalysis(ctx context.Context, rec *model.AnalysisRecord) (*model.AnalysisRecord, error) {
	res, err := s.execRetry(ctx, `INSERT INTO analyses(event_uuid, requested_at,
		at_event, min_value, max_value, avg_value, spike, peak_time, reading_count,
		text, classification, status, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.EventUUID, rec.RequestedAt,
		rec.Stats.AtEvent, rec.Stats.Min, rec.Stats.Max, rec.Stats.Avg, rec.Stats.Spike,
		rec.Stats.PeakTime, rec.Stats.Count,
		rec.Text, nullIfEmpty(rec.Classification), rec.Status, nullIfEmpty(rec.Error))
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	rec.ID = id
	return rec, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const analysisCols = `id, event_uuid, requested_at,
	at_event, min_value, max_value, avg_value, spike, peak_time, reading_count,
	text, classification, status, error`

func scanAnalysis(sc rowScanner) (model.AnalysisRecord, error) {
	var rec model.AnalysisRecord
	var atEvent, minV, maxV, avgV, spike sql.NullFloat64
	var peak sql.NullTime
	var class, errMsg sql.NullString
	err := sc.Scan(&rec.ID, &rec.EventUUID, &rec.RequestedAt,
		&atEvent, &minV, &maxV, &avgV, &spike, &peak, &rec.Stats.Count,
		&rec.Text, &class, &rec.Status, &errMsg)
	if err != nil {
		return rec, err
	}
	rec.Stats.AtEvent = floatPtr(atEvent)
	rec.Stats.Min = floatPtr(minV)
	rec.Stats.Max = floatPtr(maxV)
	rec.Stats.Avg = floatPtr(avgV)
	rec.Stats.Spike = floatPtr(spike)
	if peak.Valid {
		rec.Stats.PeakTime = &peak.Time
	}
	rec.Classification = class.String
	rec.Error = errMsg.String
	return rec, nil
}

// LatestAnalysisFor returns the most recent analysis run for an event, or nil
// when the event has never been analyzed.
func (s *Store) LatestAnalysisFor(ctx context.Context, uuid string) (*model.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisCols+` FROM analyses WHERE event_uuid=? ORDER BY id DESC LIMIT 1`, uuid)
	rec, err := scanAnalysis(row)
	switch err {
	case nil:
		return &rec, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// ListAnalyses returns the most recent analysis runs across all events,
// newest first.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]model.AnalysisRecord, error) {
	return s.queryAnalyses(ctx, `SELECT `+analysisCols+` FROM analyses ORDER BY id DESC LIMIT ?`, limit)
}

// ListAnalysesFor returns every analysis run for one event, oldest first.
func (s *Store) ListAnalysesFor(ctx context.Context, uuid string) ([]model.AnalysisRecord, error) {
	return s.queryAnalyses(ctx, `SELECT `+analysisCols+` FROM analyses WHERE event_uuid=? ORDER BY id ASC`, uuid)
}

func (s *Store) queryAnalyses(ctx context.Context, query string, args ...any) ([]model.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDayStats(ctx context.Context, ds model.DayStats, ts time.Time) error {
	_, err := s.execRetry(ctx, `INSERT INTO day_stats(day, avg_value, min_value, max_value, std_dev,
		below_pct, in_range_pct, above_pct, reading_count, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(day) DO UPDATE SET avg_value=excluded.avg_value, min_value=excluded.min_value,
		max_value=excluded.max_value, std_dev=excluded.std_dev, below_pct=excluded.below_pct,
		in_range_pct=excluded.in_range_pct, above_pct=excluded.above_pct,
		reading_count=excluded.reading_count, updated_at=excluded.updated_at`,
		ds.Day, ds.Avg, ds.Min, ds.Max, ds.StdDev,
		ds.TimeBelowPct, ds.TimeInRangePct, ds.TimeAbovePct, ds.Count, ts)
	return err
}

// GetDayStats returns the stored stats for a day, or nil when the day has no
// row.
func (s *Store) GetDayStats(ctx context.Context, day string) (*model.DayStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT day, avg_value, min_value, max_value, std_dev,
		below_pct, in_range_pct, above_pct, reading_count FROM day_stats WHERE day=?`, day)
	var ds model.DayStats
	var avgV, minV, maxV, sd, below, in, above sql.NullFloat64
	switch err := row.Scan(&ds.Day, &avgV, &minV, &maxV, &sd, &below, &in, &above, &ds.Count); err {
	case nil:
		ds.Avg = floatPtr(avgV)
		ds.Min = floatPtr(minV)
		ds.Max = floatPtr(maxV)
		ds.StdDev = floatPtr(sd)
		ds.TimeBelowPct = floatPtr(below)
		ds.TimeInRangePct = floatPtr(in)
		ds.TimeAbovePct = floatPtr(above)
		return &ds, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// Totals reports row counts for the ops surface.
type Totals struct {
	Readings int64 `json:"readings"`
	Notes    int64 `json:"notes"`
	Events   int64 `json:"events"`
	Analyses int64 `json:"analyses"`
}

func (s *Store) CountTotals(ctx context.Context) (Totals, error) {
	var t Totals
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM readings`, &t.Readings},
		{`SELECT COUNT(*) FROM notes`, &t.Notes},
		{`SELECT COUNT(*) FROM events`, &t.Events},
		{`SELECT COUNT(*) FROM analyses`, &t.Analyses},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return t, err
		}
	}
	return t, nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
