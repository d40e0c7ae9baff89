// Package mcp implements the stdio JSON-RPC tool-call surface: one JSON
// object per line, the `initialize`/`tools/list`/`tools/call`/
// `resources/list`/`resources/read` method set, and the graph_* tool table.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "graphd"
	serverVersion   = "0.1.0"
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools     map[string]any `json:"tools,omitempty"`
	Resources map[string]any `json:"resources,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDef `json:"tools"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type resourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []resourceDef `json:"resources"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type resourceReadResult struct {
	Contents []resourceContent `json:"contents"`
}

// Serve runs the JSON-RPC read loop, reading requests from r and writing
// responses to w. One request is handled at a time, under a cooperative
// single-process scheduling model.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("invalid JSON-RPC request", "error", err)
			continue
		}

		resp := s.handle(ctx, req)
		if resp.ID == nil && resp.Result == nil && resp.Error == nil {
			continue
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("cannot encode response", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", respBytes); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities: capabilities{
					Tools:     map[string]any{"listChanged": false},
					Resources: map[string]any{"listChanged": false},
				},
				ServerInfo:   serverInfo{Name: serverName, Version: serverVersion},
				Instructions: agentInstructions,
			},
		}

	case "notifications/initialized":
		return jsonRPCResponse{}

	case "tools/list":
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult{Tools: toolDefs}}

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, -32602, "Invalid params", err.Error())
		}
		result := s.callTool(ctx, params.Name, params.Arguments)
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "resources/list":
		return jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: resourcesListResult{Resources: []resourceDef{
				{URI: "graph://agent-prompt", Name: "Agent onboarding prompt", MimeType: "text/markdown"},
			}},
		}

	case "resources/read":
		var params resourceReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, -32602, "Invalid params", err.Error())
		}
		if params.URI != "graph://agent-prompt" {
			return errorResponse(req.ID, -32602, "Unknown resource", params.URI)
		}
		return jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: resourceReadResult{Contents: []resourceContent{
				{URI: params.URI, MimeType: "text/markdown", Text: agentPromptText()},
			}},
		}

	default:
		return errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

func errorResponse(id any, code int, message string, data any) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

func logNop() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
