package sqlite

import (
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, "state")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestState_SetAndGet(t *testing.T) {
	db := newTestDB(t)

	e, err := db.SetState("greeting", `"hello"`)
	if err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if e.Version != 1 {
		t.Errorf("Version = %d, want 1", e.Version)
	}

	got, err := db.GetState("greeting")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if got == nil || got.Value != `"hello"` {
		t.Fatalf("GetState() = %+v", got)
	}
}

func TestState_CompareAndSet_Conflict(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.SetState("k", "1"); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}

	_, err := db.CompareAndSetState("k", "2", 99)
	var conflict *domain.ErrCASConflict
	if err == nil {
		t.Fatal("expected ErrCASConflict, got nil")
	}
	if ce, ok := err.(*domain.ErrCASConflict); ok {
		conflict = ce
	}
	if conflict == nil {
		t.Fatalf("expected *domain.ErrCASConflict, got %T: %v", err, err)
	}
	if conflict.ExpectedVer != 99 || conflict.ActualVersion != 1 {
		t.Errorf("conflict = %+v", conflict)
	}
}

func TestState_CompareAndSet_Success(t *testing.T) {
	db := newTestDB(t)

	e, err := db.SetState("k", "1")
	if err != nil {
		t.Fatalf("SetState() error: %v", err)
	}

	updated, err := db.CompareAndSetState("k", "2", e.Version)
	if err != nil {
		t.Fatalf("CompareAndSetState() error: %v", err)
	}
	if updated.Version != e.Version+1 || updated.Value != "2" {
		t.Errorf("updated = %+v", updated)
	}
}

func TestState_CompareAndSet_NewKeyRequiresZero(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.CompareAndSetState("fresh", "v", 0); err != nil {
		t.Fatalf("CompareAndSetState() on new key with version 0 error: %v", err)
	}
	if _, err := db.CompareAndSetState("other", "v", 1); err == nil {
		t.Fatal("expected ErrCASConflict creating a new key with nonzero expected version")
	}
}

func TestState_Delete_IsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.DeleteState("missing"); err != nil {
		t.Errorf("DeleteState() on an absent key must be a no-op, got error: %v", err)
	}

	if _, err := db.SetState("present", "v"); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if err := db.DeleteState("present"); err != nil {
		t.Fatalf("DeleteState() error: %v", err)
	}
	if err := db.DeleteState("present"); err != nil {
		t.Errorf("second DeleteState() on an already-deleted key must also be a no-op, got error: %v", err)
	}
	entry, err := db.GetState("present")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if entry != nil {
		t.Errorf("GetState() after delete = %+v, want nil", entry)
	}
}

func TestSessions_CreateAndComplete(t *testing.T) {
	db := newTestDB(t)

	s := domain.Session{
		ID:            "sess-1",
		Prompt:        "do the thing",
		TriggerSource: domain.TriggerTick,
		StartedAt:     time.Now().UTC(),
	}
	if err := db.CreateSession(s, "daily-digest"); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	inFlight, err := db.ListSessions(ListSessionsOpts{InFlightOnly: true})
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(inFlight) != 1 {
		t.Fatalf("in-flight sessions = %d, want 1", len(inFlight))
	}

	completed := time.Now().UTC()
	s.CompletedAt = &completed
	s.Success = true
	s.Model = "claude-cli"
	s.InputTokens = 10
	s.OutputTokens = 20
	if err := db.CompleteSession(s); err != nil {
		t.Fatalf("CompleteSession() error: %v", err)
	}

	got, err := db.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.IsInFlight() {
		t.Error("session should no longer be in flight")
	}
	if got.InputTokens != 10 || got.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestScheduledTasks_UpsertAndDue(t *testing.T) {
	db := newTestDB(t)

	past := time.Now().Add(-time.Minute).UTC()
	task := domain.ScheduledTask{
		Name:         "daily-digest",
		Cron:         "0 9 * * *",
		DispatchMode: domain.DispatchPrompt,
		Prompt:       "summarize my day",
		Enabled:      true,
		Source:       domain.SourceTOML,
		NextRunAt:    &past,
	}
	if err := db.UpsertScheduledTask(task); err != nil {
		t.Fatalf("UpsertScheduledTask() error: %v", err)
	}

	due, err := db.DueScheduledTasks(time.Now().UTC())
	if err != nil {
		t.Fatalf("DueScheduledTasks() error: %v", err)
	}
	if len(due) != 1 || due[0].Name != "daily-digest" {
		t.Fatalf("due = %+v", due)
	}

	future := time.Now().Add(time.Hour).UTC()
	if err := db.RecordTaskRun("daily-digest", time.Now().UTC(), `{}`, &future, true); err != nil {
		t.Fatalf("RecordTaskRun() error: %v", err)
	}

	due, err = db.DueScheduledTasks(time.Now().UTC())
	if err != nil {
		t.Fatalf("DueScheduledTasks() error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due after reschedule = %+v, want none", due)
	}
}

func TestScheduledTasks_DeleteMissing(t *testing.T) {
	db := newTestDB(t)
	if err := db.DeleteScheduledTask("nope"); err != domain.ErrModuleNotFound {
		t.Errorf("DeleteScheduledTask() error = %v", err)
	}
}

func TestInbox_InsertDeduplicatesOnIdempotencyKey(t *testing.T) {
	db := newTestDB(t)

	m := domain.MessageInbox{
		RequestID:      "req-1",
		SourceChannel:  "sms",
		Prompt:         "what's on my calendar",
		LifecycleState: domain.InboxAccepted,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: "idem-1",
	}
	inserted, err := db.InsertInboxMessage(m)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	m2 := m
	m2.RequestID = "req-2"
	inserted, err = db.InsertInboxMessage(m2)
	if err != nil {
		t.Fatalf("second insert error: %v", err)
	}
	if inserted {
		t.Error("duplicate idempotency_key should not insert a second row")
	}
}

func TestInbox_RecoverableMessages(t *testing.T) {
	db := newTestDB(t)

	accepted := domain.MessageInbox{RequestID: "a", SourceChannel: "sms", Prompt: "x", LifecycleState: domain.InboxAccepted, CreatedAt: time.Now().UTC()}
	parsed := domain.MessageInbox{RequestID: "b", SourceChannel: "sms", Prompt: "y", LifecycleState: domain.InboxParsed, CreatedAt: time.Now().UTC()}
	db.InsertInboxMessage(accepted)
	db.InsertInboxMessage(parsed)

	recoverable, err := db.RecoverableInboxMessages()
	if err != nil {
		t.Fatalf("RecoverableInboxMessages() error: %v", err)
	}
	if len(recoverable) != 1 || recoverable[0].RequestID != "a" {
		t.Fatalf("recoverable = %+v", recoverable)
	}
}

func TestRegistry_EligibilityTransitionIsLogged(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	entry := domain.ButlerRegistryEntry{
		Name:                 "travel",
		EndpointURL:          "http://localhost:40210",
		RegisteredAt:         now,
		EligibilityState:     domain.EligibilityActive,
		EligibilityUpdatedAt: now,
		LivenessTTLSeconds:   300,
	}
	if err := db.UpsertButlerRegistration(entry); err != nil {
		t.Fatalf("UpsertButlerRegistration() error: %v", err)
	}

	if err := db.SetButlerEligibility("travel", domain.EligibilityStale, domain.ReasonLivenessTTLExpired, now.Add(time.Minute)); err != nil {
		t.Fatalf("SetButlerEligibility() error: %v", err)
	}

	log, err := db.EligibilityLog("travel")
	if err != nil {
		t.Fatalf("EligibilityLog() error: %v", err)
	}
	if len(log) != 1 || log[0].FromState != domain.EligibilityActive || log[0].ToState != domain.EligibilityStale {
		t.Fatalf("log = %+v", log)
	}
}

func TestRegistry_HeartbeatUnknownButler(t *testing.T) {
	db := newTestDB(t)
	if err := db.TouchButlerHeartbeat("ghost", time.Now()); err != domain.ErrButlerNotRegistered {
		t.Errorf("TouchButlerHeartbeat() error = %v, want ErrButlerNotRegistered", err)
	}
}
