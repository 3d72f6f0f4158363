// Package backfill schedules catch-up analyses for events left waiting,
// typically after downtime. Candidates are worked newest first so recent
// meals surface before old history.
package backfill

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Candidate is an event considered for a catch-up analysis.
type Candidate struct {
	EventUUID string
	Timestamp time.Time
	State     model.EventState
}

// Summary captures the outcome of one backfill run.
type Summary struct {
	TotalCandidates int `json:"total"`
	AlreadySettled  int `json:"already_settled"`
	Pending         int `json:"pending"`
	Selected        int `json:"selected"`
	Scheduled       int `json:"scheduled"`
	Deferred        int `json:"deferred"`
	Failed          int `json:"failed"`
}

// Repository supplies candidates and carries out the scheduling.
type Repository interface {
	ListCandidates(ctx context.Context) ([]Candidate, error)
	ScheduleCandidate(ctx context.Context, c Candidate) (bool, error)
	OnBackfillComplete(summary Summary)
}

// SelectPending returns up to limit candidates still waiting for an analysis,
// newest first, along with counts for the whole candidate set. A non-positive
// limit selects everything pending.
func SelectPending(cands []Candidate, limit int) ([]Candidate, Summary) {
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].Timestamp.After(cands[j].Timestamp)
	})

	summary := Summary{TotalCandidates: len(cands)}
	pending := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.State != model.StateNeedsReanalysis {
			summary.AlreadySettled++
			continue
		}
		pending = append(pending, c)
	}

	summary.Pending = len(pending)
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	summary.Selected = len(pending)
	return pending, summary
}

// Run executes one backfill pass asynchronously.
func Run(ctx context.Context, repo Repository, limit int) {
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cands, err := repo.ListCandidates(ctx)
		if err != nil {
			log.Printf("backfill list failed: %v", err)
			return
		}

		selected, summary := SelectPending(cands, limit)
		for _, c := range selected {
			queued, err := repo.ScheduleCandidate(ctx, c)
			switch {
			case err != nil:
				summary.Failed++
				log.Printf("backfill schedule %s: %v", c.EventUUID, err)
			case queued:
				summary.Scheduled++
			default:
				summary.Deferred++
			}
		}

		log.Printf("backfill summary: total=%d pending=%d selected=%d scheduled=%d deferred=%d failed=%d", summary.TotalCandidates, summary.Pending, summary.Selected, summary.Scheduled, summary.Deferred, summary.Failed)
		repo.OnBackfillComplete(summary)
	}()
}
