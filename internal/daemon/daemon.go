// Package daemon wires every component of one butler together and runs its
// main loop: load config, open its database, run module/schema migrations,
// start the module registry, scheduler, spawner, MCP gateway, liveness
// loop, and (Switchboard only) the inbox router, then serve HTTP until a
// signal or the caller's context ends. Grounded on the teacher's
// internal/daemon/daemon.go Serve() method: the same signal-handling and
// bounded multi-stage graceful shutdown, rewired from TuTu's
// network/gossip/marketplace subsystems to this domain's scheduler,
// spawner, and router (spec §4.10).
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/butlerfleet/butlers/internal/api"
	"github.com/butlerfleet/butlers/internal/config"
	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
	"github.com/butlerfleet/butlers/internal/liveness"
	"github.com/butlerfleet/butlers/internal/mcp"
	"github.com/butlerfleet/butlers/internal/modreg"
	"github.com/butlerfleet/butlers/internal/modules/diagnostics"
	"github.com/butlerfleet/butlers/internal/router"
	"github.com/butlerfleet/butlers/internal/scheduler"
	"github.com/butlerfleet/butlers/internal/security"
	"github.com/butlerfleet/butlers/internal/sessionlog"
	"github.com/butlerfleet/butlers/internal/spawner"
	"github.com/butlerfleet/butlers/internal/store"
)

// Daemon owns every long-lived component for one butler process.
type Daemon struct {
	cfg    domain.ButlerConfig
	logger *log.Logger

	db       *sqlite.DB
	store    *store.Store
	sessions *sessionlog.Log
	modules  *modreg.Registry
	sched    *scheduler.Scheduler
	spawn    *spawner.Spawner
	security *security.Store

	gateway    *mcp.Gateway
	transport  *mcp.Transport
	apiServer  *api.Server
	httpServer *http.Server

	livenessRegistry *liveness.Registry // non-nil only when Butler.IsSwitchboard
	livenessReporter *liveness.Reporter // non-nil only when !Butler.IsSwitchboard
	routerEngine     *router.Router     // non-nil only when Butler.IsSwitchboard

	jobs map[string]jobHandler
}

// jobHandler runs one dispatch_mode=job scheduled task.
type jobHandler func(ctx context.Context, task domain.ScheduledTask) error

// New loads the butler config at path and builds a ready Daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a ready Daemon from an already-loaded config,
// skipping the file read — used by tests and by callers that assemble a
// config programmatically.
func NewWithConfig(cfg domain.ButlerConfig) (*Daemon, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", cfg.Butler.Name), log.LstdFlags)

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: open database: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store.New(db),
		sessions: sessionlog.New(db),
		security: security.New(nil),
		jobs:     map[string]jobHandler{},
	}

	if err := validateCoreCredentials(cfg, d.security); err != nil {
		db.Close()
		return nil, err
	}

	adapter, err := selectAdapter(cfg.Butler.RuntimeAdapter)
	if err != nil {
		db.Close()
		return nil, err
	}

	d.spawn = spawner.New(spawner.Config{
		MaxConcurrent:  cfg.Butler.MaxConcurrentSess,
		MaxQueued:      cfg.Butler.MaxQueuedSess,
		AdapterName:    cfg.Butler.RuntimeAdapter,
		Adapter:        adapter,
		Sessions:       d.sessions,
		ResolveCred:    d.security.Resolve,
		ToolEndpoint:   d.toolEndpoint,
		DefaultTimeout: 5 * time.Minute,
	})

	if err := d.setupModules(); err != nil {
		db.Close()
		return nil, err
	}

	d.sched = scheduler.New(d.db, scheduleDispatcher{d}, cfg.Butler.SchedulerTickInterval(30*time.Second), 0, logger)
	if err := d.sched.ReconcileTOML(cfg.Butler.Schedule, time.Now().UTC()); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: reconcile schedule: %w", err)
	}

	d.jobs["remind"] = d.runRemindJob

	if cfg.Butler.IsSwitchboard {
		d.livenessRegistry = liveness.NewRegistry(d.db)
		d.jobs["eligibility_sweep"] = d.runEligibilitySweepJob
		d.routerEngine = router.New(d.db, routeDispatcher{d}, cfg.Butler.Name, logger)

		if err := d.ensureEligibilitySweepTask(time.Now().UTC()); err != nil {
			db.Close()
			return nil, fmt.Errorf("daemon: ensure eligibility_sweep task: %w", err)
		}
	} else {
		d.livenessReporter = liveness.NewReporter(cfg.Butler.SwitchboardURL, cfg.Butler.Name, cfg.Butler.HeartbeatInterval(120*time.Second), logger)
	}

	gateway, err := mcp.NewGateway(mcp.Config{
		ButlerName: cfg.Butler.Name,
		Store:      d.store,
		Scheduler:  d.sched,
		Sessions:   d.sessions,
		Spawner:    d.spawn,
		Registry:   d.modules,
		Router:     d.mcpRouter(),
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: build mcp gateway: %w", err)
	}
	d.gateway = gateway
	d.transport = mcp.NewTransport(gateway)

	d.apiServer = api.NewServer()
	d.apiServer.EnableMetrics()
	d.apiServer.SetMCPHandler(d.transport)
	if d.livenessRegistry != nil {
		d.apiServer.SetLivenessRegistry(d.livenessRegistry)
	}

	return d, nil
}

// defaultEligibilitySweepCron is the Switchboard's built-in liveness sweep
// cadence (spec §4.9). It is not operator-configurable via TOML since it is
// infrastructure, not a user schedule; ensureEligibilitySweepTask seeds it
// once as a db-sourced task so the scheduler's ordinary due-task path picks
// it up like any other job.
const defaultEligibilitySweepCron = "*/5 * * * *"

// ensureEligibilitySweepTask creates the eligibility_sweep db task on first
// run; subsequent starts find it already present and leave it untouched so
// an operator's own edits (via `butlerctl schedule`) survive restarts.
func (d *Daemon) ensureEligibilitySweepTask(now time.Time) error {
	existing, err := d.sched.Get("eligibility_sweep")
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = d.sched.Create(domain.ScheduledTask{
		Name:         "eligibility_sweep",
		Cron:         defaultEligibilitySweepCron,
		DispatchMode: domain.DispatchJob,
		JobName:      "eligibility_sweep",
		Enabled:      true,
	}, now)
	return err
}

// mcpRouter returns d.routerEngine as the mcp.Router interface, or a true
// nil interface value — assigning a nil *router.Router directly would
// produce a non-nil interface, which the gateway's "nil unless switchboard"
// contract depends on.
func (d *Daemon) mcpRouter() mcp.Router {
	if d.routerEngine == nil {
		return nil
	}
	return d.routerEngine
}

// OpenDatabase opens cfg's butler database, resolving database_path/
// database_schema the same way the daemon does at startup. Exported so
// butlerctl's offline administrative subcommands (state, schedule, remind)
// can open the identical file without running the daemon.
func OpenDatabase(cfg domain.ButlerConfig) (*sqlite.DB, error) {
	switch {
	case cfg.Butler.DatabasePath == "":
		return sqlite.Open(config.ButlerHome(cfg.Butler.Name), "butler")
	case cfg.Butler.DatabaseSchema != "":
		// Two butlers sharing one file, each under its own schema prefix
		// (spec §4.1 database_schema), open the exact path.
		return sqlite.OpenPath(cfg.Butler.DatabasePath)
	default:
		return sqlite.Open(cfg.Butler.DatabasePath, "butler")
	}
}

func openDatabase(cfg domain.ButlerConfig) (*sqlite.DB, error) {
	return OpenDatabase(cfg)
}

// validateCoreCredentials checks that every env var the butler's config
// declares as required actually resolves through the credential store
// (spec §4.10 step 5 "Validate butler-level env credentials", step 9
// "...then core credentials (fatal)"). Unlike a module's own declared
// credentials — isolated per-module by modreg.Registry.Startup — a missing
// butler-level credential is startup-fatal for the whole daemon.
func validateCoreCredentials(cfg domain.ButlerConfig, creds domain.CredentialResolver) error {
	var missing []string
	for _, name := range cfg.Butler.RequiredEnv {
		if _, ok := creds.Resolve(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrCoreCredentialMissing, strings.Join(missing, ", "))
	}
	return nil
}

// selectAdapter maps the config's runtime_adapter selector to a concrete
// spawner.RuntimeAdapter (spec §4.1's known-adapter list; §9 "three
// concrete implementations").
func selectAdapter(name string) (spawner.RuntimeAdapter, error) {
	switch name {
	case "claude-cli":
		return spawner.NewClaudeCLIAdapter(), nil
	case "codex-cli":
		return spawner.NewCodexCLIAdapter(), nil
	case "openai-sdk":
		return spawner.NewOpenAISDKAdapter(), nil
	case "mock":
		return spawner.NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAdapter, name)
	}
}

// setupModules registers the built-in module set, runs the topological
// sort, applies every module's migrations, then runs OnStartup (spec
// §4.4).
func (d *Daemon) setupModules() error {
	d.modules = modreg.New()
	if err := d.modules.Register(diagnostics.New()); err != nil {
		return err
	}
	if err := d.modules.Load(); err != nil {
		return err
	}
	for _, migration := range d.modules.Migrations() {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("daemon: module migration: %w", err)
		}
	}

	outcomes, err := d.modules.Startup(context.Background(), d.cfg.Modules, sqlite.NewModuleDB(d.db), d.security)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Status != domain.ModuleOK {
			d.logger.Printf("daemon: module %s startup: %s (%v)", o.Name, o.Status, o.Err)
		}
	}
	return nil
}

// toolEndpoint builds the ephemeral MCP endpoint a spawned session's CLI
// process is pointed at (spec §4.6). The transport itself tracks sessions
// by the Mcp-Session-Id header set during initialize; session_id here is
// advisory context for the adapter's own config file, not parsed by the
// transport.
func (d *Daemon) toolEndpoint(sessionID string) spawner.ToolEndpoint {
	return spawner.ToolEndpoint{
		ButlerName: d.cfg.Butler.Name,
		URL:        fmt.Sprintf("http://localhost:%d/mcp?session_id=%s", d.cfg.Butler.Port, sessionID),
	}
}

// declaredEnv is every credential name a spawned session's environment may
// carry beyond the fixed core API key set: the butler's own
// required/optional env plus every loaded module's declared credentials
// (spec §4.6 "the declared credentials of loaded modules").
func (d *Daemon) declaredEnv() []string {
	env := append(append([]string{}, d.cfg.Butler.RequiredEnv...), d.cfg.Butler.OptionalEnv...)
	if d.modules != nil {
		env = append(env, d.modules.DeclaredCredentials()...)
	}
	return env
}

// ─── Scheduler/router dispatch glue ─────────────────────────────────────────

// scheduleDispatcher implements scheduler.Dispatcher over a Daemon's spawner
// and job table.
type scheduleDispatcher struct{ d *Daemon }

func (s scheduleDispatcher) Dispatch(ctx context.Context, task domain.ScheduledTask) error {
	switch task.DispatchMode {
	case domain.DispatchPrompt:
		_, err := s.d.spawn.Spawn(ctx, spawner.SpawnRequest{
			Prompt:        task.Prompt,
			TriggerSource: domain.ScheduleTrigger(task.Name),
			ScheduleName:  task.Name,
			DeclaredEnv:   s.d.declaredEnv(),
		})
		return err
	case domain.DispatchJob:
		handler, ok := s.d.jobs[task.JobName]
		if !ok {
			return fmt.Errorf("scheduler: unknown job %q", task.JobName)
		}
		return handler(ctx, task)
	default:
		return domain.ErrInvalidDispatchMode
	}
}

// runRemindJob delivers a fired reminder by spawning a session prompted
// with the reminder message (spec §4.5 remind primitive). The channel
// field is recorded in job_args but not acted on further — actual
// multi-channel delivery is a messenger module's concern, and none is
// wired in this build.
func (d *Daemon) runRemindJob(ctx context.Context, task domain.ScheduledTask) error {
	var args scheduler.RemindArgs
	if err := json.Unmarshal([]byte(task.JobArgs), &args); err != nil {
		return fmt.Errorf("remind job %q: %w", task.Name, err)
	}
	_, err := d.spawn.Spawn(ctx, spawner.SpawnRequest{
		Prompt:        args.Message,
		TriggerSource: domain.ScheduleTrigger(task.Name),
		ScheduleName:  task.Name,
		DeclaredEnv:   d.declaredEnv(),
	})
	return err
}

// runEligibilitySweepJob runs the Switchboard's liveness sweep (spec §4.9).
// Registered as the default "eligibility_sweep" job, cron "*/5 * * * *".
func (d *Daemon) runEligibilitySweepJob(ctx context.Context, task domain.ScheduledTask) error {
	return d.livenessRegistry.Sweep(time.Now().UTC())
}

// routeDispatcher implements router.Dispatcher over a Daemon's spawner.
type routeDispatcher struct{ d *Daemon }

func (r routeDispatcher) DispatchRoute(ctx context.Context, prompt, requestID, traceContext string) (domain.Session, error) {
	return r.d.spawn.Spawn(ctx, spawner.SpawnRequest{
		Prompt:        prompt,
		TriggerSource: domain.TriggerRoute,
		RequestID:     requestID,
		TraceID:       traceContext,
		DeclaredEnv:   r.d.declaredEnv(),
	})
}

// ─── Serve / shutdown ────────────────────────────────────────────────────────

// Serve recovers any crash-left inbox rows, starts the scheduler and
// liveness background loops, and serves HTTP until ctx is cancelled or a
// SIGINT/SIGTERM arrives, then shuts everything down within the configured
// shutdown timeout (spec §4.10).
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.routerEngine != nil {
		recovered, err := d.routerEngine.Recover(ctx)
		if err != nil {
			d.logger.Printf("daemon: inbox recovery: %v", err)
		} else if recovered > 0 {
			metrics.InboxRecovered.Add(float64(recovered))
			d.logger.Printf("daemon: recovered %d in-flight inbox rows", recovered)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sched.Run(ctx)
	}()

	if d.livenessReporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.livenessReporter.Run(ctx)
		}()
	}

	d.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", d.cfg.Butler.Port),
		Handler:      d.apiServer.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		d.logger.Printf("daemon: %s listening on %s", d.cfg.Butler.Name, d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		d.logger.Printf("daemon: shutdown signal received")
	case <-ctx.Done():
		d.logger.Printf("daemon: context cancelled")
	}

	return d.shutdown(&wg, serveErr)
}

// shutdown runs the bounded multi-stage sequence from spec §4.10: stop
// accepting new sessions, close the HTTP listener, drain in-flight
// sessions, stop background loops, run module OnShutdown in reverse
// order, close the database — each phase bounded by the configured
// shutdown timeout.
func (d *Daemon) shutdown(wg *sync.WaitGroup, serveErr <-chan error) error {
	timeout := time.Duration(d.cfg.Butler.ShutdownTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.spawn.StopAccepting()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Printf("daemon: http shutdown: %v", err)
	}
	<-serveErr

	d.spawn.Drain(shutdownCtx, timeout)

	wg.Wait()

	for _, o := range d.modules.Shutdown(shutdownCtx) {
		if o.Err != nil {
			d.logger.Printf("daemon: module %s shutdown: %v", o.Name, o.Err)
		}
	}

	return d.db.Close()
}

// Close releases resources without running the full shutdown sequence —
// used by tests that build a Daemon but never call Serve.
func (d *Daemon) Close() error {
	return d.db.Close()
}
