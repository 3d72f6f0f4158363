package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

func TestSelectPendingRespectsLimitAndState(t *testing.T) {
	now := time.Now()
	var cands []Candidate
	for i := 0; i < 30; i++ {
		state := model.StateNeedsReanalysis
		if i%5 == 0 {
			state = model.StateCurrent
		}
		cands = append(cands, Candidate{
			EventUUID: fmt.Sprintf("ev-%02d", i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			State:     state,
		})
	}

	pending, summary := SelectPending(cands, 15)
	if len(pending) != 15 {
		t.Fatalf("expected 15 pending candidates, got %d", len(pending))
	}
	if summary.AlreadySettled != 6 {
		t.Fatalf("expected 6 settled, got %d", summary.AlreadySettled)
	}
	if summary.Pending != 24 {
		t.Fatalf("expected 24 pending, got %d", summary.Pending)
	}
	if summary.Selected != 15 {
		t.Fatalf("expected 15 selected, got %d", summary.Selected)
	}
	for _, c := range pending {
		if c.State != model.StateNeedsReanalysis {
			t.Fatalf("unexpected state %s in pending set: %s", c.State, c.EventUUID)
		}
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].Timestamp.After(pending[i-1].Timestamp) {
			t.Fatalf("candidates not sorted newest first")
		}
	}
}

func TestSelectPendingNoLimit(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{EventUUID: "a", Timestamp: now, State: model.StateNeedsReanalysis},
		{EventUUID: "b", Timestamp: now.Add(time.Minute), State: model.StateNeedsReanalysis},
		{EventUUID: "c", Timestamp: now.Add(2 * time.Minute), State: model.StateAnalyzing},
	}
	pending, summary := SelectPending(cands, 0)
	if len(pending) != 2 || summary.Selected != 2 {
		t.Fatalf("expected all pending selected, got %d (summary %d)", len(pending), summary.Selected)
	}
	if pending[0].EventUUID != "b" {
		t.Fatalf("expected newest candidate first, got %s", pending[0].EventUUID)
	}
}

func TestRunReportsOutcomes(t *testing.T) {
	now := time.Now()
	var cands []Candidate
	for i := 0; i < 5; i++ {
		cands = append(cands, Candidate{
			EventUUID: fmt.Sprintf("ev-%d", i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			State:     model.StateNeedsReanalysis,
		})
	}

	summaryCh := make(chan Summary, 1)
	repo := &stubRepo{
		candidates: cands,
		outcomes: []stubOutcome{
			{queued: true},
			{queued: true},
			{},
			{},
			{err: errors.New("queue full")},
		},
		summaries: summaryCh,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Run(ctx, repo, 5)

	select {
	case summary := <-summaryCh:
		if summary.Scheduled != 2 {
			t.Fatalf("expected 2 scheduled, got %d", summary.Scheduled)
		}
		if summary.Deferred != 2 {
			t.Fatalf("expected 2 deferred, got %d", summary.Deferred)
		}
		if summary.Failed != 1 {
			t.Fatalf("expected 1 failed, got %d", summary.Failed)
		}
		if summary.Selected != 5 {
			t.Fatalf("expected 5 selected, got %d", summary.Selected)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for backfill summary")
	}

	if repo.scheduled[0] != "ev-4" {
		t.Fatalf("expected newest event scheduled first, got %s", repo.scheduled[0])
	}
}

type stubOutcome struct {
	queued bool
	err    error
}

type stubRepo struct {
	candidates []Candidate
	outcomes   []stubOutcome
	scheduled  []string
	summaries  chan<- Summary
}

func (r *stubRepo) ListCandidates(ctx context.Context) ([]Candidate, error) {
	return r.candidates, nil
}

func (r *stubRepo) ScheduleCandidate(ctx context.Context, c Candidate) (bool, error) {
	out := r.outcomes[len(r.scheduled)]
	r.scheduled = append(r.scheduled, c.EventUUID)
	return out.queued, out.err
}

func (r *stubRepo) OnBackfillComplete(summary Summary) {
	r.summaries <- summary
}
