// Package watch kicks the ingest cycle when note files change on disk, so a
// freshly saved note is picked up without waiting for the next poll.
package watch

import (
	"context"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the notes directory and invokes kick for every created or
// rewritten note file.
type Watcher struct {
	dir     string
	enabled bool
	kick    func()
}

func New(dir string, enabled bool, kick func()) *Watcher {
	return &Watcher{dir: dir, enabled: enabled, kick: kick}
}

// Start registers the directory watch and handles events on a background
// goroutine until ctx is cancelled. A disabled watcher starts nothing.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.enabled {
		log.Println("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isNote(evt.Name) {
					w.kick()
				}
			case err := <-watcher.Errors:
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.dir)
}

func isNote(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}
