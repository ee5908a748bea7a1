package daemon

import (
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// testConfig returns a valid, isolated ButlerConfig: a tempdir database and
// the mock runtime adapter so NewWithConfig never shells out to a real CLI.
func testConfig(t *testing.T, name string, switchboard bool) domain.ButlerConfig {
	t.Helper()
	cfg := domain.DefaultButlerConfig()
	cfg.Butler.Name = name
	cfg.Butler.DatabasePath = t.TempDir()
	cfg.Butler.IsSwitchboard = switchboard
	return cfg
}

func TestNewWithConfig_NonSwitchboard_BuildsDaemon(t *testing.T) {
	d, err := NewWithConfig(testConfig(t, "butler-a", false))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.livenessRegistry != nil {
		t.Error("non-switchboard butler should not have a liveness registry")
	}
	if d.livenessReporter == nil {
		t.Error("non-switchboard butler should have a liveness reporter")
	}
	if d.routerEngine != nil {
		t.Error("non-switchboard butler should not have a router")
	}
	if d.mcpRouter() != nil {
		t.Error("mcpRouter() should be a true nil interface for a non-switchboard butler")
	}
	if _, ok := d.jobs["remind"]; !ok {
		t.Error("expected \"remind\" job handler to be registered")
	}
	if _, ok := d.jobs["eligibility_sweep"]; ok {
		t.Error("non-switchboard butler should not register the eligibility_sweep job")
	}
}

func TestNewWithConfig_Switchboard_SeedsEligibilitySweepTask(t *testing.T) {
	d, err := NewWithConfig(testConfig(t, "switchboard", true))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.livenessRegistry == nil {
		t.Fatal("switchboard butler should have a liveness registry")
	}
	if d.routerEngine == nil {
		t.Fatal("switchboard butler should have a router")
	}
	if _, ok := d.jobs["eligibility_sweep"]; !ok {
		t.Error("expected \"eligibility_sweep\" job handler to be registered")
	}

	task, err := d.sched.Get("eligibility_sweep")
	if err != nil {
		t.Fatalf("Get(eligibility_sweep) error: %v", err)
	}
	if task == nil {
		t.Fatal("expected eligibility_sweep task to be auto-seeded")
	}
	if task.Cron != defaultEligibilitySweepCron {
		t.Errorf("Cron = %q, want %q", task.Cron, defaultEligibilitySweepCron)
	}
	if task.DispatchMode != domain.DispatchJob || task.JobName != "eligibility_sweep" {
		t.Errorf("task = %+v, want dispatch_mode=job job_name=eligibility_sweep", task)
	}
	if !task.Enabled {
		t.Error("expected eligibility_sweep task to be enabled")
	}
}

func TestEnsureEligibilitySweepTask_IdempotentOnRestart(t *testing.T) {
	d, err := NewWithConfig(testConfig(t, "switchboard", true))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	first, err := d.sched.Get("eligibility_sweep")
	if err != nil || first == nil {
		t.Fatalf("Get() after construction: task=%v err=%v", first, err)
	}

	// Simulate an operator's edit surviving a restart's re-seed attempt: a
	// second call must be a no-op rather than overwriting the row.
	if err := d.ensureEligibilitySweepTask(time.Now().UTC()); err != nil {
		t.Fatalf("second ensureEligibilitySweepTask() error: %v", err)
	}

	second, err := d.sched.Get("eligibility_sweep")
	if err != nil || second == nil {
		t.Fatalf("Get() after second seed: task=%v err=%v", second, err)
	}
	if second.Cron != first.Cron || second.JobName != first.JobName {
		t.Errorf("second seed changed the task: first=%+v second=%+v", first, second)
	}
}

func TestScheduleDispatcher_UnknownJobIsError(t *testing.T) {
	d, err := NewWithConfig(testConfig(t, "butler-b", false))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	disp := scheduleDispatcher{d}
	err = disp.Dispatch(nil, domain.ScheduledTask{
		Name:         "ghost",
		DispatchMode: domain.DispatchJob,
		JobName:      "no-such-job",
	})
	if err == nil {
		t.Fatal("expected an error dispatching an unregistered job name")
	}
}

func TestSelectAdapter(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"mock", false},
		{"claude-cli", false},
		{"codex-cli", false},
		{"openai-sdk", false},
		{"bogus", true},
	}
	for _, tc := range cases {
		_, err := selectAdapter(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("selectAdapter(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

// fakeCredResolver backs domain.CredentialResolver off a plain map, with no
// process-environment fallback, for validateCoreCredentials tests.
type fakeCredResolver map[string]string

func (f fakeCredResolver) Resolve(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func TestValidateCoreCredentials(t *testing.T) {
	cfg := domain.DefaultButlerConfig()
	cfg.Butler.RequiredEnv = []string{"FOO_TOKEN", "BAR_TOKEN"}

	if err := validateCoreCredentials(cfg, fakeCredResolver{"FOO_TOKEN": "f", "BAR_TOKEN": "b"}); err != nil {
		t.Errorf("validateCoreCredentials() with all required env resolved, error: %v", err)
	}

	err := validateCoreCredentials(cfg, fakeCredResolver{"FOO_TOKEN": "f"})
	if err == nil {
		t.Fatal("expected an error when a required credential does not resolve")
	}
}

func TestNewWithConfig_MissingRequiredCredentialIsFatal(t *testing.T) {
	cfg := testConfig(t, "butler-c", false)
	cfg.Butler.RequiredEnv = []string{"DEFINITELY_NOT_SET_ANYWHERE"}

	if _, err := NewWithConfig(cfg); err == nil {
		t.Fatal("expected NewWithConfig to fail fatally on a missing required credential")
	}
}
