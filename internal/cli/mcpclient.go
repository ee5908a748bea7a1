package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/butlerfleet/butlers/internal/mcp"
)

// callTool POSTs one JSON-RPC 2.0 tools/call request to a running butler's
// /mcp endpoint. Module enable/disable state lives only in the in-memory
// modreg.Registry of a running daemon, so unlike state/schedule/remind this
// administrative surface has no offline DB-backed equivalent — butlerctl
// reaches it the same way an LLM CLI session would, as an MCP client.
func callTool(url, name string, args map[string]any) (json.RawMessage, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": json.RawMessage(argBytes)})
	if err != nil {
		return nil, err
	}

	req := mcp.Request{JSONRPC: mcp.JSONRPCVersion, ID: 1, Method: "tools/call", Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	httpResp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	var resp mcp.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", url, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
