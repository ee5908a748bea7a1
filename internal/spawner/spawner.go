package spawner

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
)

// SessionLog is the subset of *sessionlog.Log the spawner needs.
type SessionLog interface {
	Start(s domain.Session, scheduleName string) error
	Complete(s domain.Session) error
}

// MemoryContext is the optional out-of-band collaborator from spec §4.6: a
// knowledge-base lookup consulted before invocation and updated after a
// successful one. Both calls are fail-open — any error is logged and never
// affects the primary spawn path. Nil means no memory module is loaded.
type MemoryContext interface {
	FetchContext(ctx context.Context, req SpawnRequest) (string, error)
	StoreEpisode(ctx context.Context, s domain.Session) error
}

// SpawnRequest describes one session to launch (spec §4.6).
type SpawnRequest struct {
	Prompt        string
	TriggerSource domain.TriggerSource
	SystemPrompt  string
	DeclaredEnv   []string // required_env + optional_env from config
	ScheduleName  string   // "" unless TriggerSource is a schedule
	RequestID     string   // "" unless routed
	TraceID       string
	Timeout       time.Duration
}

// Spawner gates concurrent LLM CLI sessions behind a counting semaphore,
// brackets each with a session-log row, and isolates each process's
// environment and tool-endpoint config (spec §4.6). Grounded on the
// teacher's Pool.Acquire/Release handle shape (internal/infra/engine/
// pool.go), though the gating primitive itself is a plain buffered channel
// rather than an LRU cache — this domain has no model-eviction concept.
type Spawner struct {
	sem       chan struct{}
	maxQueued int32
	queued    int32
	mu        sync.Mutex
	draining  atomic.Bool

	adapterName    string
	adapter        RuntimeAdapter
	sessions       SessionLog
	resolve        func(name string) (string, bool)
	toolEndpoint   func(sessionID string) ToolEndpoint
	workDir        string
	defaultTimeout time.Duration
	memory         MemoryContext
}

// Config bundles Spawner's construction arguments.
type Config struct {
	MaxConcurrent  int
	MaxQueued      int
	AdapterName    string
	Adapter        RuntimeAdapter
	Sessions       SessionLog
	ResolveCred    func(name string) (string, bool)
	ToolEndpoint   func(sessionID string) ToolEndpoint
	WorkDir        string
	DefaultTimeout time.Duration
	Memory         MemoryContext // optional; nil disables memory-context enrichment
}

// New constructs a Spawner bound to a single runtime adapter (spec §4.1:
// one adapter is configured per butler at startup).
func New(cfg Config) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Spawner{
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		maxQueued:      int32(cfg.MaxQueued),
		adapterName:    cfg.AdapterName,
		adapter:        cfg.Adapter,
		sessions:       cfg.Sessions,
		resolve:        cfg.ResolveCred,
		toolEndpoint:   cfg.ToolEndpoint,
		workDir:        cfg.WorkDir,
		defaultTimeout: cfg.DefaultTimeout,
		memory:         cfg.Memory,
	}
}

// Spawn runs one LLM CLI session end to end: acquire a concurrency slot,
// create the session row, isolate environment and config, invoke the
// adapter, complete the session row unconditionally, release the slot.
//
// A trigger-sourced call (a tool invoked from inside another session) that
// finds every slot held is refused immediately rather than queued —
// waiting would deadlock on its own parent session holding the one slot
// (spec §4.6 "self-deadlock guard").
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (domain.Session, error) {
	if s.draining.Load() {
		metrics.SpawnerRefusals.WithLabelValues("draining").Inc()
		return domain.Session{}, domain.ErrSpawnerDraining
	}

	acquired := s.tryAcquire()
	if !acquired {
		if req.TriggerSource == domain.TriggerTrigger {
			metrics.SpawnerRefusals.WithLabelValues("self_deadlock").Inc()
			return domain.Session{}, domain.ErrSelfDeadlock
		}
		var err error
		acquired, err = s.queueAndAcquire(ctx)
		if err != nil {
			if err == domain.ErrQueueFull {
				metrics.SpawnerRefusals.WithLabelValues("queue_full").Inc()
			} else {
				metrics.SpawnerRefusals.WithLabelValues("context_cancelled").Inc()
			}
			return domain.Session{}, err
		}
	}
	metrics.SpawnerActiveSessions.Set(float64(s.Active()))
	defer func() {
		<-s.sem
		metrics.SpawnerActiveSessions.Set(float64(s.Active()))
	}()

	return s.runSession(ctx, req)
}

func (s *Spawner) tryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Spawner) queueAndAcquire(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.queued >= s.maxQueued {
		s.mu.Unlock()
		return false, domain.ErrQueueFull
	}
	s.queued++
	metrics.SpawnerQueueDepth.Set(float64(s.queued))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.queued--
		metrics.SpawnerQueueDepth.Set(float64(s.queued))
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Spawner) runSession(ctx context.Context, req SpawnRequest) (domain.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	session := domain.Session{
		ID:            id.String(),
		Prompt:        req.Prompt,
		TriggerSource: req.TriggerSource,
		StartedAt:     time.Now().UTC(),
		TraceID:       req.TraceID,
		RequestID:     req.RequestID,
	}
	if err := s.sessions.Start(session, req.ScheduleName); err != nil {
		return domain.Session{}, err
	}

	dir, dirErr := os.MkdirTemp(s.workDir, "session-*")
	if dirErr == nil {
		defer os.RemoveAll(dir)
	} else {
		dir = s.workDir
	}

	var configPath string
	if s.toolEndpoint != nil {
		ep := s.toolEndpoint(session.ID)
		if p, err := s.adapter.BuildConfigFile(dir, ep); err == nil {
			configPath = p
		}
	}

	systemPrompt := req.SystemPrompt
	if s.memory != nil {
		if extra, err := s.memory.FetchContext(ctx, req); err != nil {
			log.Printf("spawner: memory context fetch failed (session %s): %v", session.ID, err)
		} else if extra != "" {
			if systemPrompt != "" {
				systemPrompt += "\n\n" + extra
			} else {
				systemPrompt = extra
			}
		}
	}

	env := buildEnv(s.resolve, req.DeclaredEnv)
	result, invokeErr := s.adapter.Invoke(ctx, InvokeRequest{
		Prompt:       req.Prompt,
		SystemPrompt: systemPrompt,
		ConfigPath:   configPath,
		Env:          env,
		WorkDir:      dir,
		Timeout:      timeout,
	})

	completed := time.Now().UTC()
	session.CompletedAt = &completed
	session.DurationMS = completed.Sub(session.StartedAt).Milliseconds()
	session.ToolCalls = result.ToolCalls
	session.Model = result.Model
	session.InputTokens = result.InputTokens
	session.OutputTokens = result.OutputTokens
	session.Cost = result.Cost
	session.Result = result.Output
	session.Success = invokeErr == nil
	if invokeErr != nil {
		session.Error = invokeErr.Error()
	}

	outcome := "success"
	if invokeErr != nil {
		outcome = "error"
	}
	metrics.SessionOutcomes.WithLabelValues(outcome, req.TriggerSource.String()).Inc()
	metrics.SessionDuration.Observe(float64(session.DurationMS) / 1000)

	// Completion is unconditional: a row is never left dangling, whether
	// the adapter succeeded or not (spec §4.6).
	if err := s.sessions.Complete(session); err != nil {
		return session, err
	}

	if s.memory != nil && invokeErr == nil {
		if err := s.memory.StoreEpisode(ctx, session); err != nil {
			log.Printf("spawner: memory episode store failed (session %s): %v", session.ID, err)
		}
	}

	return session, invokeErr
}

// StopAccepting refuses new Spawn calls; sessions already in flight keep
// running (spec §4.10 shutdown phase 1).
func (s *Spawner) StopAccepting() {
	s.draining.Store(true)
}

// Active reports the number of sessions currently holding a concurrency
// slot.
func (s *Spawner) Active() int {
	return len(s.sem)
}

// Drain stops accepting new sessions and waits for in-flight ones to
// finish, up to timeout. If sessions remain when the deadline passes, it
// calls Reset on the adapter to synchronously release whatever the
// adapter is still holding (spec §9 open-question decision), then
// returns.
func (s *Spawner) Drain(ctx context.Context, timeout time.Duration) {
	s.StopAccepting()

	deadline := time.Now().Add(timeout)
	for s.Active() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	if s.Active() > 0 {
		s.adapter.Reset(ctx)
	}
}
