// Package bridge implements the stdio side of Yamu: a line-delimited
// JSON-RPC 2.0 loop that turns synchronous tool calls from a coding agent
// into trigger-and-poll HTTP sequences against the editor-embedded server.
//
// Stdout carries JSON-RPC messages exclusively; logging goes to stderr.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "YamuServer"
	serverVersion   = "1.0.0"
)

// Bridge runs the JSON-RPC loop over one stdin/stdout pair.
type Bridge struct {
	client *Client
	log    *zap.Logger

	in      *bufio.Reader
	out     *bufio.Writer
	writeMu sync.Mutex

	// Poll tuning, shrunk by tests.
	pollInterval time.Duration
	startWait    time.Duration

	settingsMu        sync.Mutex
	cachedSettings    *mcpSettings
	settingsFetchedAt time.Time
}

// New wires a Bridge to the given editor client and stdio pair. A nil logger
// disables logging.
func New(client *Client, in *bufio.Reader, out *bufio.Writer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		client:       client,
		log:          log,
		in:           in,
		out:          out,
		pollInterval: time.Second,
		startWait:    10 * time.Second,
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Run processes newline-delimited JSON-RPC requests until EOF or context
// cancellation. Each line is parsed independently: a malformed line gets a
// parse-error response and the loop continues.
//
// Reads happen on their own goroutine so that cancellation (SIGINT in the
// hosting command) takes effect even while blocked on stdin. The reader
// goroutine itself unwinds once stdin closes.
func (b *Bridge) Run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := b.in.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case line := <-lines:
			b.handleLine(line)
		}
	}
}

func (b *Bridge) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var req jsonrpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		b.log.Debug("parse error", zap.Error(err))
		b.writeError(nil, -32700, "Parse error", nil)
		return
	}
	b.dispatch(&req)
}

func (b *Bridge) dispatch(req *jsonrpcRequest) {
	b.log.Debug("request", zap.String("method", req.Method))
	switch req.Method {
	case "initialize":
		b.handleInitialize(req)
	case "tools/list":
		b.writeResult(req.ID, map[string]any{"tools": catalog()})
	case "tools/call":
		b.handleToolsCall(req)
	default:
		if req.ID == nil {
			// Notification for a method we do not implement; nothing to
			// answer.
			return
		}
		b.writeError(req.ID, -32601, "Method not found", nil)
	}
}

func (b *Bridge) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			b.writeError(req.ID, -32602, "Invalid params", nil)
			return
		}
	}
	if p.ProtocolVersion == "" {
		b.writeError(req.ID, -32602, "protocolVersion is required", nil)
		return
	}
	b.writeResult(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": catalog()},
		"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
	})
}

func (b *Bridge) handleToolsCall(req *jsonrpcRequest) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		b.writeError(req.ID, -32602, "Invalid params", nil)
		return
	}

	text, known, err := b.callTool(p.Name, p.Arguments)
	if !known {
		b.writeError(req.ID, -32602, "Unknown tool: "+p.Name, nil)
		return
	}
	if err != nil {
		b.writeToolError(req.ID, err)
		return
	}
	b.writeResult(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": b.truncate(text)}},
	})
}

// writeToolError maps a tool failure onto -32603 with structured
// classification data so the agent can decide whether to retry.
func (b *Bridge) writeToolError(id any, err error) {
	if te := asToolError(err); te != nil {
		b.writeError(id, -32603, te.Message, map[string]any{
			"errorType":    string(te.Type),
			"instructions": te.Instructions,
			"retryable":    te.Retryable,
		})
		return
	}
	b.writeError(id, -32603, "Tool execution failed: "+err.Error(), map[string]any{
		"errorType": "tool_error",
		"retryable": false,
	})
}

func (b *Bridge) writeResult(id, result any) {
	b.writeFramed(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (b *Bridge) writeError(id any, code int, message string, data any) {
	b.writeFramed(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: message, Data: data},
	})
}

func (b *Bridge) writeFramed(obj any) {
	data, err := json.Marshal(obj)
	if err != nil {
		b.log.Error("response marshal failed", zap.Error(err))
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.out.Write(data); err != nil {
		b.log.Error("response write failed", zap.Error(err))
		return
	}
	if err := b.out.WriteByte('\n'); err != nil {
		b.log.Error("response write failed", zap.Error(err))
		return
	}
	if err := b.out.Flush(); err != nil {
		b.log.Error("response flush failed", zap.Error(err))
	}
}
