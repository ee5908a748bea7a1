package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
	"github.com/butlerfleet/butlers/internal/router"
	"github.com/butlerfleet/butlers/internal/spawner"
)

// coreHandler executes one of the fixed core tools (spec §4.7) against a
// Gateway's wired dependencies.
type coreHandler func(g *Gateway, args map[string]any) (any, error)

// coreHandlers maps every name in the fixed core tool set to its handler.
// Populated once at package init; the set itself never changes at runtime.
var coreHandlers = map[string]coreHandler{
	"status":             handleStatus,
	"trigger":            handleTrigger,
	"route.execute":      handleRouteExecute,
	"tick":               handleTick,
	"state.get":          handleStateGet,
	"state.set":          handleStateSet,
	"state.delete":       handleStateDelete,
	"state.list":         handleStateList,
	"schedule.list":      handleScheduleList,
	"schedule.create":    handleScheduleCreate,
	"schedule.update":    handleScheduleUpdate,
	"schedule.delete":    handleScheduleDelete,
	"sessions.list":      handleSessionsList,
	"sessions.get":       handleSessionsGet,
	"sessions.summary":   handleSessionsSummary,
	"sessions.daily":     handleSessionsDaily,
	"top-sessions":       handleTopSessions,
	"schedule-costs":     handleScheduleCosts,
	"notify":             handleNotify,
	"remind":             handleRemind,
	"get-attachment":     handleGetAttachment,
	"module.states":      handleModuleStates,
	"module.set-enabled": handleModuleSetEnabled,
}

// coreTools returns the fixed core tool set's declarations (spec §4.7),
// namespaced flat (e.g. "state.get") the same way module tools are
// namespaced "<module>.<tool>" — collisions between the two are checked
// the same way in NewGateway.
func coreTools() map[string]domain.ToolDefinition {
	str := domain.SchemaProperty{Type: "string"}
	return map[string]domain.ToolDefinition{
		"status": {
			Name:        "status",
			Description: "Daemon status: module outcomes, in-flight session count, next due schedule.",
			InputSchema: domain.ToolInputSchema{Type: "object"},
		},
		"trigger": {
			Name:        "trigger",
			Description: "Spawn a session from inside a running session (trigger_source=trigger). Refused if it would self-deadlock on the caller's own concurrency slot.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"prompt":        str,
					"system_prompt": str,
				},
				Required: []string{"prompt"},
			},
		},
		"route.execute": {
			Name:        "route.execute",
			Description: "Switchboard-only: accept a routed message into a target butler's inbox and return the accept-phase result.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"request_id":               str,
					"source_channel":           str,
					"source_endpoint_identity": str,
					"sender_identity":          str,
					"prompt":                   str,
					"trace_context":            str,
					"idempotency_key":          str,
				},
				Required: []string{"prompt"},
			},
		},
		"tick": {
			Name:        "tick",
			Description: "Force an immediate scheduler evaluation pass, outside the normal tick interval.",
			InputSchema: domain.ToolInputSchema{Type: "object"},
		},
		"state.get": {
			Name:        "state.get",
			Description: "Fetch one state key.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"key": str}, Required: []string{"key"}},
		},
		"state.set": {
			Name:        "state.set",
			Description: "Set one state key, or compare-and-set when expected_version is given.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"key":              str,
					"value":            str,
					"expected_version": {Type: "integer"},
				},
				Required: []string{"key", "value"},
			},
		},
		"state.delete": {
			Name:        "state.delete",
			Description: "Delete one state key.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"key": str}, Required: []string{"key"}},
		},
		"state.list": {
			Name:        "state.list",
			Description: "List state keys, optionally filtered by prefix.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"prefix":     str,
					"keys_only":  {Type: "boolean"},
				},
			},
		},
		"schedule.list":   {Name: "schedule.list", Description: "List every scheduled task.", InputSchema: domain.ToolInputSchema{Type: "object"}},
		"schedule.create": scheduleWriteTool("schedule.create", "Create a new db-sourced scheduled task."),
		"schedule.update": scheduleWriteTool("schedule.update", "Update an existing scheduled task's definition."),
		"schedule.delete": {
			Name:        "schedule.delete",
			Description: "Delete a db-sourced scheduled task (toml-sourced tasks cannot be deleted this way).",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"name": str}, Required: []string{"name"}},
		},
		"sessions.list": {
			Name:        "sessions.list",
			Description: "List sessions, newest first, optionally filtered by model or in-flight status.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"model":          str,
					"in_flight_only": {Type: "boolean"},
					"limit":          {Type: "integer"},
					"offset":         {Type: "integer"},
				},
			},
		},
		"sessions.get": {
			Name:        "sessions.get",
			Description: "Fetch one session by id.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"id": str}, Required: []string{"id"}},
		},
		"sessions.summary": {
			Name:        "sessions.summary",
			Description: "Aggregate token/cost/failure counts per model and per day (per month for 30d) within a period (today|7d|30d).",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"period": str}},
		},
		"sessions.daily": {
			Name:        "sessions.daily",
			Description: "Daily (day, model) token series over the last N days.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"days": {Type: "integer"}}},
		},
		"top-sessions": {
			Name:        "top-sessions",
			Description: "The N most token-expensive completed sessions.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"n": {Type: "integer"}}},
		},
		"schedule-costs": {
			Name:        "schedule-costs",
			Description: "Token/cost totals per originating schedule over the last N days.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"days": {Type: "integer"}}},
		},
		"notify": {
			Name:        "notify",
			Description: "Record a best-effort outbound notification (durable, delivery is out of scope for the core tool set).",
			InputSchema: domain.ToolInputSchema{
				Type:       "object",
				Properties: map[string]domain.SchemaProperty{"channel": str, "message": str},
				Required:   []string{"message"},
			},
		},
		"remind": {
			Name:        "remind",
			Description: "One-shot reminder: fires once at delay_minutes from now, or at remind_at (RFC3339), then auto-disables.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"name":           str,
					"message":        str,
					"channel":        str,
					"delay_minutes":  {Type: "integer"},
					"remind_at":      str,
				},
				Required: []string{"name", "message"},
			},
		},
		"get-attachment": {
			Name:        "get-attachment",
			Description: "Fetch a previously stored attachment's content by id.",
			InputSchema: domain.ToolInputSchema{Type: "object", Properties: map[string]domain.SchemaProperty{"id": str}, Required: []string{"id"}},
		},
		"module.states": {
			Name:        "module.states",
			Description: "Every loaded module's startup outcome and current enabled flag.",
			InputSchema: domain.ToolInputSchema{Type: "object"},
		},
		"module.set-enabled": {
			Name:        "module.set-enabled",
			Description: "Toggle whether a started module's tools accept calls, without re-running its lifecycle hooks.",
			InputSchema: domain.ToolInputSchema{
				Type:       "object",
				Properties: map[string]domain.SchemaProperty{"name": str, "enabled": {Type: "boolean"}},
				Required:   []string{"name", "enabled"},
			},
		},
	}
}

func scheduleWriteTool(name, desc string) domain.ToolDefinition {
	str := domain.SchemaProperty{Type: "string"}
	return domain.ToolDefinition{
		Name:        name,
		Description: desc,
		InputSchema: domain.ToolInputSchema{
			Type: "object",
			Properties: map[string]domain.SchemaProperty{
				"name":          str,
				"cron":          str,
				"dispatch_mode": {Type: "string", Enum: []string{"prompt", "job"}},
				"prompt":        str,
				"job_name":      str,
				"job_args":      str,
				"enabled":       {Type: "boolean"},
			},
			Required: []string{"name", "cron", "dispatch_mode"},
		},
	}
}

// ─── arg extraction helpers ──────────────────────────────────────────────

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// argInt reads a JSON number (decoded as float64) as an int.
func argInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func argInt64(args map[string]any, key string, fallback int64) int64 {
	if v, ok := args[key].(float64); ok {
		return int64(v)
	}
	return fallback
}

// ─── handlers ────────────────────────────────────────────────────────────

type statusResult struct {
	Butler        string             `json:"butler"`
	Modules       map[string]any     `json:"modules"`
	InFlight      int                `json:"in_flight_sessions"`
	NextSchedule  *domain.ScheduledTask `json:"next_schedule,omitempty"`
}

func handleStatus(g *Gateway, args map[string]any) (any, error) {
	modules := map[string]any{}
	for name, outcome := range g.cfg.Registry.Statuses() {
		modules[name] = map[string]any{
			"status":  string(outcome.Status),
			"enabled": g.cfg.Registry.Enabled(name),
		}
	}

	inFlight, err := g.cfg.Sessions.InFlight()
	if err != nil {
		return nil, err
	}

	var next *domain.ScheduledTask
	tasks, err := g.cfg.Scheduler.List()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		t := tasks[i]
		if !t.Enabled || t.NextRunAt == nil {
			continue
		}
		if next == nil || t.NextRunAt.Before(*next.NextRunAt) {
			next = &tasks[i]
		}
	}

	return statusResult{
		Butler:       g.cfg.ButlerName,
		Modules:      modules,
		InFlight:     len(inFlight),
		NextSchedule: next,
	}, nil
}

func handleTrigger(g *Gateway, args map[string]any) (any, error) {
	prompt := argString(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("trigger: prompt is required")
	}
	session, err := g.cfg.Spawner.Spawn(context.Background(), spawner.SpawnRequest{
		Prompt:        prompt,
		SystemPrompt:  argString(args, "system_prompt"),
		TriggerSource: domain.TriggerTrigger,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func handleRouteExecute(g *Gateway, args map[string]any) (any, error) {
	if g.cfg.Router == nil {
		return nil, fmt.Errorf("route.execute: this butler is not the switchboard")
	}
	res, err := g.cfg.Router.Execute(context.Background(), router.ExecuteRequest{
		RequestID:              argString(args, "request_id"),
		SourceChannel:          argString(args, "source_channel"),
		SourceEndpointIdentity: argString(args, "source_endpoint_identity"),
		SenderIdentity:         argString(args, "sender_identity"),
		Prompt:                 argString(args, "prompt"),
		TraceContext:           argString(args, "trace_context"),
		IdempotencyKey:         argString(args, "idempotency_key"),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func handleTick(g *Gateway, args map[string]any) (any, error) {
	g.cfg.Scheduler.RunOnce(context.Background(), time.Now().UTC())
	return map[string]any{"ok": true}, nil
}

func handleStateGet(g *Gateway, args map[string]any) (any, error) {
	key := argString(args, "key")
	if key == "" {
		return nil, fmt.Errorf("state.get: key is required")
	}
	entry, err := g.cfg.Store.Get(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrStateKeyNotFound
	}
	return entry, nil
}

func handleStateSet(g *Gateway, args map[string]any) (any, error) {
	key := argString(args, "key")
	value := argString(args, "value")
	if key == "" {
		return nil, fmt.Errorf("state.set: key is required")
	}
	if _, hasExpected := args["expected_version"]; hasExpected {
		return g.cfg.Store.CompareAndSet(key, value, argInt64(args, "expected_version", 0))
	}
	return g.cfg.Store.Set(key, value)
}

func handleStateDelete(g *Gateway, args map[string]any) (any, error) {
	key := argString(args, "key")
	if key == "" {
		return nil, fmt.Errorf("state.delete: key is required")
	}
	if err := g.cfg.Store.Delete(key); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleStateList(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Store.List(argString(args, "prefix"), argBool(args, "keys_only"))
}

func handleScheduleList(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Scheduler.List()
}

func taskFromArgs(args map[string]any) domain.ScheduledTask {
	return domain.ScheduledTask{
		Name:         argString(args, "name"),
		Cron:         argString(args, "cron"),
		DispatchMode: domain.DispatchMode(argString(args, "dispatch_mode")),
		Prompt:       argString(args, "prompt"),
		JobName:      argString(args, "job_name"),
		JobArgs:      argString(args, "job_args"),
		Enabled:      argBool(args, "enabled"),
	}
}

func handleScheduleCreate(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Scheduler.Create(taskFromArgs(args), time.Now().UTC())
}

func handleScheduleUpdate(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Scheduler.Update(taskFromArgs(args), time.Now().UTC())
}

func handleScheduleDelete(g *Gateway, args map[string]any) (any, error) {
	name := argString(args, "name")
	if err := g.cfg.Scheduler.Delete(name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleSessionsList(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Sessions.List(sqlite.ListSessionsOpts{
		InFlightOnly: argBool(args, "in_flight_only"),
		Model:        argString(args, "model"),
		Limit:        argInt(args, "limit", 0),
		Offset:       argInt(args, "offset", 0),
	})
}

func handleSessionsGet(g *Gateway, args map[string]any) (any, error) {
	id := argString(args, "id")
	if id == "" {
		return nil, fmt.Errorf("sessions.get: id is required")
	}
	s, err := g.cfg.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("sessions.get: not found: %s", id)
	}
	return s, nil
}

func handleSessionsSummary(g *Gateway, args map[string]any) (any, error) {
	period := argString(args, "period")
	if period == "" {
		period = sessionlogPeriodDefault
	}
	return g.cfg.Sessions.Summary(period)
}

const sessionlogPeriodDefault = "7d"

func handleSessionsDaily(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Sessions.DailySeries(argInt(args, "days", 30))
}

func handleTopSessions(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Sessions.TopByTokens(argInt(args, "n", 10))
}

func handleScheduleCosts(g *Gateway, args map[string]any) (any, error) {
	return g.cfg.Sessions.CostsBySchedule(argInt(args, "days", 30))
}

// handleNotify records an outbound notification as a durable state entry
// (spec §4.7 names "notify" in the core set but leaves delivery mechanics
// unspecified; actual channel delivery is a messenger module's concern —
// this core tool only guarantees the record is not lost).
func handleNotify(g *Gateway, args map[string]any) (any, error) {
	message := argString(args, "message")
	if message == "" {
		return nil, fmt.Errorf("notify: message is required")
	}
	key := fmt.Sprintf("notify:%d", time.Now().UTC().UnixNano())
	payload := fmt.Sprintf(`{"channel":%q,"message":%q,"at":%q}`, argString(args, "channel"), message, time.Now().UTC().Format(time.RFC3339))
	entry, err := g.cfg.Store.Set(key, payload)
	if err != nil {
		return nil, err
	}
	g.cfg.Logger.Printf("mcp: notify channel=%s message=%s", argString(args, "channel"), message)
	return entry, nil
}

func handleRemind(g *Gateway, args map[string]any) (any, error) {
	name := argString(args, "name")
	message := argString(args, "message")
	if name == "" || message == "" {
		return nil, fmt.Errorf("remind: name and message are required")
	}

	var delay *time.Duration
	var remindAt *time.Time
	if _, ok := args["delay_minutes"]; ok {
		d := time.Duration(argInt64(args, "delay_minutes", 0)) * time.Minute
		delay = &d
	}
	if raw := argString(args, "remind_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("remind: invalid remind_at: %w", err)
		}
		remindAt = &t
	}

	return g.cfg.Scheduler.Remind(name, message, argString(args, "channel"), delay, remindAt, time.Now().UTC())
}

// handleGetAttachment fetches a previously stored attachment by id. Spec
// §4.7 lists the tool but specifies no storage format, so attachments are
// addressed the same way any other durable payload is: a state entry under
// a reserved "attachment:<id>" key (written by whatever module or ingress
// path accepted the attachment).
func handleGetAttachment(g *Gateway, args map[string]any) (any, error) {
	id := argString(args, "id")
	if id == "" {
		return nil, fmt.Errorf("get-attachment: id is required")
	}
	entry, err := g.cfg.Store.Get("attachment:" + id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("get-attachment: not found: %s", id)
	}
	return entry, nil
}

func handleModuleStates(g *Gateway, args map[string]any) (any, error) {
	out := map[string]any{}
	for name, outcome := range g.cfg.Registry.Statuses() {
		out[name] = map[string]any{
			"status":  string(outcome.Status),
			"enabled": g.cfg.Registry.Enabled(name),
		}
	}
	return out, nil
}

func handleModuleSetEnabled(g *Gateway, args map[string]any) (any, error) {
	name := argString(args, "name")
	if name == "" {
		return nil, fmt.Errorf("module.set-enabled: name is required")
	}
	enabled := argBool(args, "enabled")
	if err := g.cfg.Registry.SetEnabled(name, enabled); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "enabled": enabled}, nil
}
