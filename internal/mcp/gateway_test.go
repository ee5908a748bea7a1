package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
	"github.com/butlerfleet/butlers/internal/modreg"
	"github.com/butlerfleet/butlers/internal/router"
	"github.com/butlerfleet/butlers/internal/spawner"
)

// fakeStore backs the Store interface with an in-memory map, enough to
// exercise state.get/set/delete/list without a real database.
type fakeStore struct {
	entries map[string]domain.StateEntry
}

func newFakeStore() *fakeStore { return &fakeStore{entries: map[string]domain.StateEntry{}} }

func (f *fakeStore) Get(key string) (*domain.StateEntry, error) {
	e, ok := f.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeStore) List(prefix string, keysOnly bool) ([]domain.StateEntry, error) {
	var out []domain.StateEntry
	for k, e := range f.entries {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			if keysOnly {
				out = append(out, domain.StateEntry{Key: k})
			} else {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Set(key, value string) (domain.StateEntry, error) {
	e := domain.StateEntry{Key: key, Value: value, Version: f.entries[key].Version + 1, UpdatedAt: time.Unix(0, 0)}
	f.entries[key] = e
	return e, nil
}

func (f *fakeStore) CompareAndSet(key, value string, expectedVersion int64) (domain.StateEntry, error) {
	existing := f.entries[key]
	if existing.Version != expectedVersion {
		return domain.StateEntry{}, fmt.Errorf("version mismatch: have %d, want %d", existing.Version, expectedVersion)
	}
	return f.Set(key, value)
}

func (f *fakeStore) Delete(key string) error {
	delete(f.entries, key)
	return nil
}

// fakeScheduler backs the Scheduler interface with an in-memory slice.
type fakeScheduler struct {
	tasks []domain.ScheduledTask
}

func (f *fakeScheduler) Create(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error) {
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeScheduler) Update(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error) {
	for i, t := range f.tasks {
		if t.Name == task.Name {
			f.tasks[i] = task
			return task, nil
		}
	}
	return domain.ScheduledTask{}, fmt.Errorf("not found: %s", task.Name)
}

func (f *fakeScheduler) Delete(name string) error {
	for i, t := range f.tasks {
		if t.Name == name {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("not found: %s", name)
}

func (f *fakeScheduler) Get(name string) (*domain.ScheduledTask, error) {
	for _, t := range f.tasks {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeScheduler) List() ([]domain.ScheduledTask, error) { return f.tasks, nil }

func (f *fakeScheduler) Remind(name, message, channel string, delay *time.Duration, remindAt *time.Time, now time.Time) (domain.ScheduledTask, error) {
	task := domain.ScheduledTask{Name: name, DispatchMode: domain.DispatchJob, JobName: "remind", Enabled: true}
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeScheduler) RunOnce(ctx context.Context, now time.Time) {}

// fakeSessions backs the SessionLog interface.
type fakeSessions struct {
	sessions []domain.Session
}

func (f *fakeSessions) Get(id string) (*domain.Session, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeSessions) List(opts sqlite.ListSessionsOpts) ([]domain.Session, error) { return f.sessions, nil }

func (f *fakeSessions) InFlight() ([]domain.Session, error) {
	var out []domain.Session
	for _, s := range f.sessions {
		if s.IsInFlight() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) Summary(period string) ([]domain.SessionSummary, error) { return nil, nil }
func (f *fakeSessions) DailySeries(days int) ([]domain.DailyModelPoint, error)  { return nil, nil }
func (f *fakeSessions) TopByTokens(n int) ([]domain.Session, error)             { return f.sessions, nil }
func (f *fakeSessions) CostsBySchedule(days int) ([]domain.ScheduleCost, error) { return nil, nil }

// fakeTrigger backs the Trigger interface.
type fakeTrigger struct {
	spawned []spawner.SpawnRequest
	err     error
}

func (f *fakeTrigger) Spawn(ctx context.Context, req spawner.SpawnRequest) (domain.Session, error) {
	if f.err != nil {
		return domain.Session{}, f.err
	}
	f.spawned = append(f.spawned, req)
	return domain.Session{ID: "sess-1", Prompt: req.Prompt, TriggerSource: req.TriggerSource}, nil
}

// fakeRouter backs the Router interface.
type fakeRouter struct {
	called bool
}

func (f *fakeRouter) Execute(ctx context.Context, req router.ExecuteRequest) (router.ExecuteResult, error) {
	f.called = true
	return router.ExecuteResult{RequestID: req.RequestID, LifecycleState: domain.InboxAccepted}, nil
}

// echoModule is a minimal domain.Module + domain.ToolCaller for exercising
// module-namespaced tool dispatch through the gateway.
type echoModule struct{}

func (echoModule) Name() string                         { return "echo" }
func (echoModule) Dependencies() []string                { return nil }
func (echoModule) Migrations() []string                  { return nil }
func (echoModule) Tools() []domain.ToolDefinition {
	return []domain.ToolDefinition{{Name: "say", Description: "echoes its input"}}
}
func (echoModule) SensitiveArgs() map[string][]string            { return nil }
func (echoModule) DeclaredCredentials() []string                 { return nil }
func (echoModule) ValidateConfig(cfg domain.ModuleConfig) error   { return nil }
func (echoModule) OnStartup(ctx context.Context, deps domain.ModuleDeps) error { return nil }
func (echoModule) OnShutdown(ctx context.Context) error           { return nil }
func (echoModule) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return map[string]any{"echoed": args["text"]}, nil
}

func newTestGateway(t *testing.T, router Router) (*Gateway, *fakeStore, *fakeScheduler, *fakeTrigger) {
	t.Helper()
	reg := modreg.New()
	if err := reg.Register(echoModule{}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := reg.Startup(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("Startup() error: %v", err)
	}

	store := newFakeStore()
	sched := &fakeScheduler{}
	trigger := &fakeTrigger{}
	g, err := NewGateway(Config{
		ButlerName: "test-butler",
		Store:      store,
		Scheduler:  sched,
		Sessions:   &fakeSessions{},
		Spawner:    trigger,
		Registry:   reg,
		Router:     router,
	})
	if err != nil {
		t.Fatalf("NewGateway() error: %v", err)
	}
	return g, store, sched, trigger
}

func callToolRaw(t *testing.T, g *Gateway, name string, args map[string]any) toolsCallResult {
	t.Helper()
	argBytes, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	params, err := json.Marshal(toolsCallParams{Name: name, Arguments: argBytes})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := Request{JSONRPC: JSONRPCVersion, ID: float64(1), Method: "tools/call", Params: params}
	resp := g.dispatch(req)
	if resp.Error != nil {
		t.Fatalf("tool %s returned rpc error: %v", name, resp.Error)
	}
	var result toolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func TestGateway_NewGateway_RejectsToolNameCollision(t *testing.T) {
	reg := modreg.New()
	reg.Register(fakeCollidingModule{})
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := reg.Startup(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("Startup() error: %v", err)
	}

	_, err := NewGateway(Config{Registry: reg})
	if err == nil {
		t.Fatal("expected tool name collision error")
	}
}

// fakeCollidingModule is named "state" and registers a "get" tool, so its
// fully-qualified name "state.get" collides with the core "state.get" tool.
type fakeCollidingModule struct{}

func (fakeCollidingModule) Name() string          { return "state" }
func (fakeCollidingModule) Dependencies() []string { return nil }
func (fakeCollidingModule) Migrations() []string   { return nil }
func (fakeCollidingModule) Tools() []domain.ToolDefinition {
	return []domain.ToolDefinition{{Name: "get"}}
}
func (fakeCollidingModule) SensitiveArgs() map[string][]string          { return nil }
func (fakeCollidingModule) DeclaredCredentials() []string                { return nil }
func (fakeCollidingModule) ValidateConfig(cfg domain.ModuleConfig) error { return nil }
func (fakeCollidingModule) OnStartup(ctx context.Context, deps domain.ModuleDeps) error {
	return nil
}
func (fakeCollidingModule) OnShutdown(ctx context.Context) error { return nil }

func TestGateway_ToolsList_IncludesCoreAndModuleTools(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	req := Request{JSONRPC: JSONRPCVersion, ID: float64(1), Method: "tools/list"}
	resp := g.dispatch(req)
	if resp.Error != nil {
		t.Fatalf("tools/list error: %v", resp.Error)
	}
	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	if !names["status"] {
		t.Error("expected core tool \"status\" in catalog")
	}
	if !names["echo.say"] {
		t.Error("expected module tool \"echo.say\" in catalog")
	}
}

func TestGateway_StateRoundTrip(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)

	result := callToolRaw(t, g, "state.set", map[string]any{"key": "k1", "value": "v1"})
	if result.IsError {
		t.Fatalf("state.set returned error: %s", result.Content[0].Text)
	}

	result = callToolRaw(t, g, "state.get", map[string]any{"key": "k1"})
	if result.IsError {
		t.Fatalf("state.get returned error: %s", result.Content[0].Text)
	}
	var entry domain.StateEntry
	if err := json.Unmarshal([]byte(result.Content[0].Text), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Value != "v1" {
		t.Errorf("Value = %q, want v1", entry.Value)
	}

	result = callToolRaw(t, g, "state.delete", map[string]any{"key": "k1"})
	if result.IsError {
		t.Fatalf("state.delete returned error: %s", result.Content[0].Text)
	}

	result = callToolRaw(t, g, "state.get", map[string]any{"key": "k1"})
	if !result.IsError {
		t.Fatal("state.get after delete should error (key not found)")
	}
}

func TestGateway_StateGet_MissingKeyIsRequired(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	result := callToolRaw(t, g, "state.get", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error for missing key")
	}
}

func TestGateway_ScheduleCreateAndList(t *testing.T) {
	g, _, sched, _ := newTestGateway(t, nil)

	result := callToolRaw(t, g, "schedule.create", map[string]any{
		"name": "nightly", "cron": "0 2 * * *", "dispatch_mode": "job", "job_name": "cleanup",
	})
	if result.IsError {
		t.Fatalf("schedule.create error: %s", result.Content[0].Text)
	}
	if len(sched.tasks) != 1 || sched.tasks[0].Name != "nightly" {
		t.Fatalf("scheduler tasks = %+v, want one task named nightly", sched.tasks)
	}

	result = callToolRaw(t, g, "schedule.list", nil)
	if result.IsError {
		t.Fatalf("schedule.list error: %s", result.Content[0].Text)
	}
	var tasks []domain.ScheduledTask
	if err := json.Unmarshal([]byte(result.Content[0].Text), &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
}

func TestGateway_Trigger_SpawnsSession(t *testing.T) {
	g, _, _, trigger := newTestGateway(t, nil)

	result := callToolRaw(t, g, "trigger", map[string]any{"prompt": "do the thing"})
	if result.IsError {
		t.Fatalf("trigger error: %s", result.Content[0].Text)
	}
	if len(trigger.spawned) != 1 || trigger.spawned[0].Prompt != "do the thing" {
		t.Fatalf("spawned = %+v, want one request with prompt", trigger.spawned)
	}
	if trigger.spawned[0].TriggerSource != domain.TriggerTrigger {
		t.Errorf("TriggerSource = %s, want trigger", trigger.spawned[0].TriggerSource)
	}
}

func TestGateway_Trigger_RequiresPrompt(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	result := callToolRaw(t, g, "trigger", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error for missing prompt")
	}
}

func TestGateway_RouteExecute_FailsWithoutRouter(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	result := callToolRaw(t, g, "route.execute", map[string]any{"prompt": "hi"})
	if !result.IsError {
		t.Fatal("expected error: not the switchboard")
	}
}

func TestGateway_RouteExecute_Succeeds(t *testing.T) {
	rtr := &fakeRouter{}
	g, _, _, _ := newTestGateway(t, rtr)
	result := callToolRaw(t, g, "route.execute", map[string]any{"prompt": "hi"})
	if result.IsError {
		t.Fatalf("route.execute error: %s", result.Content[0].Text)
	}
	if !rtr.called {
		t.Error("expected Router.Execute to be called")
	}
}

func TestGateway_ModuleTool_Dispatch(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	result := callToolRaw(t, g, "echo.say", map[string]any{"text": "hello"})
	if result.IsError {
		t.Fatalf("echo.say error: %s", result.Content[0].Text)
	}
	if result.Content[0].Text != `{"echoed":"hello"}` {
		t.Errorf("content = %s, want echoed hello", result.Content[0].Text)
	}
}

func TestGateway_ModuleStatesAndSetEnabled(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)

	result := callToolRaw(t, g, "module.set-enabled", map[string]any{"name": "echo", "enabled": false})
	if result.IsError {
		t.Fatalf("module.set-enabled error: %s", result.Content[0].Text)
	}

	// With echo disabled, its namespaced tool must be refused.
	result = callToolRaw(t, g, "echo.say", map[string]any{"text": "hi"})
	if !result.IsError {
		t.Fatal("expected echo.say to be refused while the module is disabled")
	}

	result = callToolRaw(t, g, "module.states", nil)
	if result.IsError {
		t.Fatalf("module.states error: %s", result.Content[0].Text)
	}
	var states map[string]struct {
		Status  string `json:"status"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &states); err != nil {
		t.Fatalf("unmarshal states: %v", err)
	}
	if states["echo"].Enabled {
		t.Error("expected echo.enabled = false after set-enabled")
	}
}

func TestGateway_UnknownTool_IsInvalidParams(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	params, _ := json.Marshal(toolsCallParams{Name: "no.such.tool"})
	req := Request{JSONRPC: JSONRPCVersion, ID: float64(1), Method: "tools/call", Params: params}
	resp := g.dispatch(req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestGateway_Initialize(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	params, _ := json.Marshal(initializeParams{ProtocolVersion: MCPProtocolVersion, ClientInfo: clientInfo{Name: "test-client"}})
	req := Request{JSONRPC: JSONRPCVersion, ID: float64(1), Method: "initialize", Params: params}
	resp := g.dispatch(req)
	if resp.Error != nil {
		t.Fatalf("initialize error: %v", resp.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.ServerInfo.Name != ServerName {
		t.Errorf("ServerInfo.Name = %q, want %q", result.ServerInfo.Name, ServerName)
	}
}

func TestGateway_HandleRequest_NotificationReturnsNil(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	raw, _ := json.Marshal(Notification{JSONRPC: JSONRPCVersion, Method: "notifications/initialized"})
	if resp := g.HandleRequest(raw); resp != nil {
		t.Errorf("HandleRequest(notification) = %+v, want nil", resp)
	}
}
