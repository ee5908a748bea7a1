package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
	"github.com/butlerfleet/butlers/internal/modreg"
	"github.com/butlerfleet/butlers/internal/router"
	"github.com/butlerfleet/butlers/internal/spawner"
)

// MCPProtocolVersion and ServerInfo identify this daemon to an MCP client
// (spec §4.7 tool endpoint).
const (
	MCPProtocolVersion = "2025-03-26"
	ServerName         = "butlerd"
	ServerVersion      = "1.0.0"
)

// Registry is the subset of *modreg.Registry the gateway needs.
type Registry interface {
	Tools() (map[string]domain.ToolDefinition, error)
	Get(name string) (domain.Module, bool)
	Statuses() map[string]modreg.Outcome
	Enabled(name string) bool
	SetEnabled(name string, enabled bool) error
}

// Trigger is the subset of *spawner.Spawner the gateway needs for the
// trigger tool (spec §4.6 "trigger-sourced call").
type Trigger interface {
	Spawn(ctx ctxContext, req spawner.SpawnRequest) (domain.Session, error)
}

// Router is the subset of *router.Router the gateway needs. Only wired on
// the Switchboard (spec §4.8).
type Router interface {
	Execute(ctx ctxContext, req router.ExecuteRequest) (router.ExecuteResult, error)
}

// Scheduler is the subset of *scheduler.Scheduler the gateway needs.
type Scheduler interface {
	Create(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error)
	Update(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error)
	Delete(name string) error
	Get(name string) (*domain.ScheduledTask, error)
	List() ([]domain.ScheduledTask, error)
	Remind(name, message, channel string, delay *time.Duration, remindAt *time.Time, now time.Time) (domain.ScheduledTask, error)
	RunOnce(ctx ctxContext, now time.Time)
}

// SessionLog is the subset of *sessionlog.Log the gateway needs.
type SessionLog interface {
	Get(id string) (*domain.Session, error)
	List(opts sqlite.ListSessionsOpts) ([]domain.Session, error)
	InFlight() ([]domain.Session, error)
	Summary(period string) ([]domain.SessionSummary, error)
	DailySeries(days int) ([]domain.DailyModelPoint, error)
	TopByTokens(n int) ([]domain.Session, error)
	CostsBySchedule(days int) ([]domain.ScheduleCost, error)
}

// Store is the subset of *store.Store the gateway needs.
type Store interface {
	Get(key string) (*domain.StateEntry, error)
	List(prefix string, keysOnly bool) ([]domain.StateEntry, error)
	Set(key, value string) (domain.StateEntry, error)
	CompareAndSet(key, value string, expectedVersion int64) (domain.StateEntry, error)
	Delete(key string) error
}

// ctxContext avoids importing "context" twice under an alias; it is just
// context.Context, aliased so the interfaces above read cleanly next to
// the narrow DB-style interfaces elsewhere in this repository.
type ctxContext = context.Context

// Config bundles the Gateway's dependencies. Router is nil on a
// non-Switchboard butler; route.execute then always returns an error.
type Config struct {
	ButlerName string
	Store      Store
	Scheduler  Scheduler
	Sessions   SessionLog
	Spawner    Trigger
	Registry   Registry
	Router     Router // nil unless this butler is the Switchboard
	Logger     *log.Logger
}

// Gateway is the daemon's MCP tool endpoint (spec §4.7): the fixed core
// tool set plus every loaded module's namespaced tools, merged into one
// catalog. A name collision between the core set and a module tool, or
// between two modules, is fatal at construction — spec §4.7 "a tool name
// collision is fatal".
type Gateway struct {
	cfg   Config
	tools map[string]domain.ToolDefinition // name -> definition, core + modules merged
}

// NewGateway builds the merged tool catalog and returns a ready Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	g := &Gateway{cfg: cfg, tools: coreTools()}
	if cfg.Registry != nil {
		moduleTools, err := cfg.Registry.Tools()
		if err != nil {
			return nil, err
		}
		for name, def := range moduleTools {
			if _, exists := g.tools[name]; exists {
				return nil, fmt.Errorf("mcp: tool name collision: %s", name)
			}
			g.tools[name] = def
		}
	}
	return g, nil
}

// HandleRequest is the main dispatch for a JSON-RPC 2.0 request. It
// returns a Response for requests, or nil for notifications.
func (g *Gateway) HandleRequest(raw []byte) *Response {
	req, errResp := ParseRequest(raw)
	if errResp != nil {
		return errResp
	}
	if req.ID == nil {
		g.handleNotification(req)
		return nil
	}
	resp := g.dispatch(req)
	return &resp
}

func (g *Gateway) dispatch(req Request) Response {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(req)
	case "notifications/initialized", "ping":
		return g.ack(req.ID)
	case "tools/list":
		return g.handleToolsList(req)
	case "tools/call":
		return g.handleToolsCall(req)
	default:
		return NewMethodNotFound(req.ID, req.Method)
	}
}

func (g *Gateway) handleNotification(req Request) {
	g.cfg.Logger.Printf("mcp: notification %s", req.Method)
}

// ─── initialize ──────────────────────────────────────────────────────────

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCap `json:"tools,omitempty"`
}

type toolsCap struct {
	ListChanged bool `json:"listChanged"`
}

func (g *Gateway) handleInitialize(req Request) Response {
	var params initializeParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewInvalidParams(req.ID, "invalid initialize params")
		}
	}
	g.cfg.Logger.Printf("mcp: initialize from client=%s protocol=%s", params.ClientInfo.Name, params.ProtocolVersion)

	resp, err := NewResult(req.ID, initializeResult{
		ProtocolVersion: MCPProtocolVersion,
		ServerInfo:      serverInfo{Name: ServerName, Version: ServerVersion},
		Capabilities:    capabilities{Tools: &toolsCap{ListChanged: false}},
	})
	if err != nil {
		return NewInternalError(req.ID, err.Error())
	}
	return resp
}

// ─── tools/list ──────────────────────────────────────────────────────────

type toolWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema schemaWire      `json:"inputSchema"`
}

type schemaWire struct {
	Type       string                    `json:"type"`
	Properties map[string]propertyWire   `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

type propertyWire struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

func toWire(name string, def domain.ToolDefinition) toolWire {
	props := make(map[string]propertyWire, len(def.InputSchema.Properties))
	for k, p := range def.InputSchema.Properties {
		props[k] = propertyWire{Type: p.Type, Description: p.Description, Enum: p.Enum, Default: p.Default}
	}
	return toolWire{
		Name:        name,
		Description: def.Description,
		InputSchema: schemaWire{Type: def.InputSchema.Type, Properties: props, Required: def.InputSchema.Required},
	}
}

type toolsListResult struct {
	Tools []toolWire `json:"tools"`
}

func (g *Gateway) handleToolsList(req Request) Response {
	wire := make([]toolWire, 0, len(g.tools))
	for name, def := range g.tools {
		wire = append(wire, toWire(name, def))
	}
	resp, err := NewResult(req.ID, toolsListResult{Tools: wire})
	if err != nil {
		return NewInternalError(req.ID, err.Error())
	}
	return resp
}

// ─── tools/call ──────────────────────────────────────────────────────────

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (g *Gateway) handleToolsCall(req Request) Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewInvalidParams(req.ID, "invalid tools/call params")
	}
	if _, ok := g.tools[params.Name]; !ok {
		return NewInvalidParams(req.ID, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return NewInvalidParams(req.ID, "invalid tool arguments")
		}
	}

	result, err := g.call(params.Name, args)
	if err != nil {
		return g.toolError(req.ID, err)
	}
	return g.toolResult(req.ID, result)
}

// call dispatches a tool name to either a core handler or a module's
// ToolCaller, per spec §4.7's fixed-set-plus-modules catalog.
func (g *Gateway) call(name string, args map[string]any) (any, error) {
	if handler, ok := coreHandlers[name]; ok {
		return handler(g, args)
	}

	modName, toolName, ok := strings.Cut(name, ".")
	if !ok {
		return nil, fmt.Errorf("mcp: malformed module tool name: %s", name)
	}
	if !g.cfg.Registry.Enabled(modName) {
		return nil, fmt.Errorf("mcp: module %s is disabled or failed to start", modName)
	}
	mod, ok := g.cfg.Registry.Get(modName)
	if !ok {
		return nil, fmt.Errorf("mcp: module %s not found", modName)
	}
	caller, ok := mod.(domain.ToolCaller)
	if !ok {
		return nil, fmt.Errorf("mcp: module %s does not execute tools", modName)
	}
	return caller.CallTool(context.Background(), toolName, args)
}

func (g *Gateway) toolResult(id any, v any) Response {
	text, err := json.Marshal(v)
	if err != nil {
		return NewInternalError(id, err.Error())
	}
	resp, err := NewResult(id, toolsCallResult{Content: []contentBlock{{Type: "text", Text: string(text)}}})
	if err != nil {
		return NewInternalError(id, err.Error())
	}
	return resp
}

func (g *Gateway) toolError(id any, callErr error) Response {
	resp, _ := NewResult(id, toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: callErr.Error()}},
		IsError: true,
	})
	return resp
}

func (g *Gateway) ack(id any) Response {
	resp, _ := NewResult(id, struct{}{})
	return resp
}
