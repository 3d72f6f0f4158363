// Package notes loads event notes from a folder of JSON files. Each file
// holds one note; files are re-read whenever their mtime moves past the
// ingest cursor, so edits flow through the same path as new notes.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

type Source struct {
	dir string
}

func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

type noteFile struct {
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Folder    string    `json:"folder"`
}

// FetchNewNotes returns notes from files modified after since, oldest note
// first. Files claiming a different folder are skipped; files without a
// folder belong to the requested one. Malformed files are logged and
// skipped so one bad file cannot stall ingestion.
func (s *Source) FetchNewNotes(ctx context.Context, since time.Time, folder string) ([]model.Note, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan notes dir: %w", err)
	}
	var out []model.Note
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			continue
		}
		n, err := load(filepath.Join(s.dir, entry.Name()), info.ModTime())
		if err != nil {
			log.Printf("skip note file %s: %v", entry.Name(), err)
			continue
		}
		if n.Folder != "" && n.Folder != folder {
			continue
		}
		n.Folder = folder
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func load(path string, modTime time.Time) (model.Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Note{}, err
	}
	var nf noteFile
	if err := json.Unmarshal(data, &nf); err != nil {
		return model.Note{}, fmt.Errorf("parse: %w", err)
	}
	n := model.Note{
		UUID:      strings.TrimSpace(nf.UUID),
		Timestamp: nf.Timestamp.UTC(),
		Text:      strings.TrimSpace(nf.Text),
		Folder:    nf.Folder,
	}
	if n.UUID == "" {
		n.UUID = DeriveUUID(filepath.Base(path))
	}
	if nf.Timestamp.IsZero() {
		n.Timestamp = modTime.UTC()
	}
	return n, nil
}

// DeriveUUID gives files without an explicit uuid a stable identity, so the
// same file never produces two events.
func DeriveUUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("glucose-note:"+name)).String()
}
