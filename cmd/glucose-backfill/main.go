// glucose-backfill reconciles the notes folder with the events of a running
// glucose-monitor. Files the service never ingested get their mtime bumped
// past the ingest cursor, then a cycle and a backfill pass are requested over
// the ops API.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/config"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/notes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	refs, err := listNoteFiles(cfg.NotesDir)
	if err != nil {
		log.Fatalf("scan notes dir: %v", err)
	}
	if len(refs) == 0 {
		log.Println("no note files found")
		return
	}

	states, err := loadEventStates(cfg.DBPath)
	if err != nil {
		log.Fatalf("load event states: %v", err)
	}

	missing, sum := reconcile(refs, states)
	log.Printf("notes=%d missing=%d waiting=%d working=%d settled=%d",
		sum.Files, sum.Missing, sum.Waiting, sum.Working, sum.Settled)
	if sum.Missing == 0 && sum.Waiting == 0 {
		return
	}

	baseURL := normalizeBaseURL(os.Getenv("SERVICE_BASE_URL"), cfg.HTTPPort)
	log.Printf("requesting recovery from %s", baseURL)

	if sum.Missing > 0 {
		// The ingest cursor only re-reads files whose mtime moved past it, so
		// a missed file stays invisible until restamped.
		now := time.Now()
		for _, name := range missing {
			if err := os.Chtimes(filepath.Join(cfg.NotesDir, name), now, now); err != nil {
				log.Printf("restamp %s: %v", name, err)
			}
		}
		post(baseURL + "/ops/cycle")
	}
	if sum.Waiting > 0 {
		post(fmt.Sprintf("%s/ops/backfill?limit=%d", baseURL, sum.Waiting))
	}
}

// noteRef ties a note file to the event identity it produces.
type noteRef struct {
	Name string
	UUID string
}

type reconcileSummary struct {
	Files   int
	Missing int
	Waiting int
	Working int
	Settled int
}

func listNoteFiles(dir string) ([]noteRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []noteRef
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		out = append(out, noteRef{
			Name: entry.Name(),
			UUID: noteUUID(filepath.Join(dir, entry.Name())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// noteUUID mirrors ingest identity: the file's explicit uuid when present, a
// name-derived one otherwise.
func noteUUID(path string) string {
	var nf struct {
		UUID string `json:"uuid"`
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &nf)
	}
	if id := strings.TrimSpace(nf.UUID); id != "" {
		return id
	}
	return notes.DeriveUUID(filepath.Base(path))
}

func loadEventStates(dbPath string) (map[string]model.EventState, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	states := make(map[string]model.EventState)
	rows, err := db.Query(`SELECT note_uuid, state FROM events`)
	if err != nil {
		// A fresh database has no events table yet; every note is missing.
		return states, nil
	}
	defer rows.Close()
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err == nil {
			states[id] = model.EventState(state)
		}
	}
	return states, rows.Err()
}

// reconcile classifies each note file by the state of its event and returns
// the files with no event at all.
func reconcile(refs []noteRef, states map[string]model.EventState) ([]string, reconcileSummary) {
	sum := reconcileSummary{Files: len(refs)}
	var missing []string
	for _, ref := range refs {
		state, ok := states[ref.UUID]
		if !ok {
			sum.Missing++
			missing = append(missing, ref.Name)
			continue
		}
		switch state {
		case model.StateNeedsReanalysis:
			sum.Waiting++
		case model.StateCurrent, model.StateFresh:
			sum.Settled++
		default:
			sum.Working++
		}
	}
	return missing, sum
}

func normalizeBaseURL(raw, port string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "http://localhost" + port
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return strings.TrimSuffix(raw, "/")
}

func post(endpoint string) {
	resp, err := http.Post(endpoint, "application/json", nil)
	if err != nil {
		log.Printf("post %s: %v", endpoint, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("post %s: %s", endpoint, resp.Status)
		return
	}
	log.Printf("requested %s", endpoint)
}
