package spawner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

type fakeSessionLog struct {
	mu        sync.Mutex
	started   []domain.Session
	completed []domain.Session
}

func (f *fakeSessionLog) Start(s domain.Session, scheduleName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, s)
	return nil
}

func (f *fakeSessionLog) Complete(s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, s)
	return nil
}

func (f *fakeSessionLog) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func newTestSpawner(t *testing.T, maxConcurrent, maxQueued int) (*Spawner, *fakeSessionLog) {
	t.Helper()
	log := &fakeSessionLog{}
	s := New(Config{
		MaxConcurrent: maxConcurrent,
		MaxQueued:     maxQueued,
		AdapterName:   "mock",
		Adapter:       NewMockAdapter(),
		Sessions:      log,
		ResolveCred:   func(name string) (string, bool) { return "", false },
		WorkDir:       t.TempDir(),
	})
	return s, log
}

func TestSpawner_SpawnCompletesSession(t *testing.T) {
	s, log := newTestSpawner(t, 1, 1)

	session, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "hello", TriggerSource: domain.TriggerTick})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if !session.Success {
		t.Errorf("session.Success = false, error = %q", session.Error)
	}
	if log.completedCount() != 1 {
		t.Errorf("completed count = %d, want 1", log.completedCount())
	}
}

func TestSpawner_SelfDeadlockGuard(t *testing.T) {
	s, _ := newTestSpawner(t, 1, 5)

	s.sem <- struct{}{} // simulate the one slot already held by a parent session
	defer func() { <-s.sem }()

	_, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "nested", TriggerSource: domain.TriggerTrigger})
	if err != domain.ErrSelfDeadlock {
		t.Errorf("error = %v, want ErrSelfDeadlock", err)
	}
}

func TestSpawner_QueueFullReturnsError(t *testing.T) {
	s, _ := newTestSpawner(t, 1, 0)

	s.sem <- struct{}{} // hold the only slot
	defer func() { <-s.sem }()

	_, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "queued", TriggerSource: domain.TriggerExternal})
	if err != domain.ErrQueueFull {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
}

func TestSpawner_DrainRefusesNewSessions(t *testing.T) {
	s, _ := newTestSpawner(t, 1, 1)
	s.Drain(context.Background(), time.Second)

	_, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "after drain", TriggerSource: domain.TriggerTick})
	if err != domain.ErrSpawnerDraining {
		t.Errorf("error = %v, want ErrSpawnerDraining", err)
	}
}

func TestSpawner_ConcurrencyLimitSerializes(t *testing.T) {
	s, log := newTestSpawner(t, 2, 10)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Spawn(context.Background(), SpawnRequest{Prompt: "p", TriggerSource: domain.TriggerExternal})
		}()
	}
	wg.Wait()

	if log.completedCount() != 4 {
		t.Errorf("completed count = %d, want 4", log.completedCount())
	}
}
