package sessionlog

import (
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sqlite.Open(t.TempDir(), "state")
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestLog_StartCompleteInFlight(t *testing.T) {
	l := newTestLog(t)

	s := domain.Session{ID: "s1", Prompt: "hi", TriggerSource: domain.TriggerTick, StartedAt: time.Now().UTC()}
	if err := l.Start(s, "digest"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	inFlight, err := l.InFlight()
	if err != nil {
		t.Fatalf("InFlight() error: %v", err)
	}
	if len(inFlight) != 1 {
		t.Fatalf("InFlight() = %d, want 1", len(inFlight))
	}

	completed := time.Now().UTC()
	s.CompletedAt = &completed
	s.Success = true
	if err := l.Complete(s); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	inFlight, err = l.InFlight()
	if err != nil {
		t.Fatalf("InFlight() after complete error: %v", err)
	}
	if len(inFlight) != 0 {
		t.Errorf("InFlight() after complete = %d, want 0", len(inFlight))
	}
}

func TestLog_Start_RejectsInvalidTriggerSource(t *testing.T) {
	l := newTestLog(t)

	s := domain.Session{ID: "bad", Prompt: "x", TriggerSource: domain.TriggerSource("not-a-real-trigger"), StartedAt: time.Now().UTC()}
	if err := l.Start(s, ""); err == nil {
		t.Fatal("expected Start() to reject an invalid trigger source")
	}

	got, err := l.Get("bad")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Error("rejected session should not have been persisted")
	}
}

func TestLog_CostsBySchedule(t *testing.T) {
	l := newTestLog(t)

	now := time.Now().UTC()
	s := domain.Session{
		ID: "s1", Prompt: "hi", TriggerSource: domain.ScheduleTrigger("digest"),
		StartedAt: now, Model: "claude-cli", InputTokens: 5, OutputTokens: 7,
	}
	if err := l.Start(s, "digest"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	s.CompletedAt = &now
	s.Success = true
	if err := l.Complete(s); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	costs, err := l.CostsBySchedule(30)
	if err != nil {
		t.Fatalf("CostsBySchedule() error: %v", err)
	}
	if len(costs) != 1 || costs[0].ScheduleName != "digest" {
		t.Fatalf("costs = %+v", costs)
	}
	if costs[0].InputTokens != 5 || costs[0].OutputTokens != 7 {
		t.Errorf("costs = %+v", costs[0])
	}
}
