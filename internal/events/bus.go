// Package events carries change notifications between the engine and its
// observers. Delivery is best-effort: a slow subscriber loses messages rather
// than stalling the engine.
package events

import (
	"sync"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// EventsChanged is published after a cycle creates, widens or recomputes
// events. UUIDs lists every touched event.
type EventsChanged struct {
	UUIDs []string
}

// AnalysisLogged is published after each analysis run is appended, both
// successful and failed ones.
type AnalysisLogged struct {
	Record model.AnalysisRecord
}

// Bus provides simple in-process pub/sub.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
