package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient points a Client at an httptest server.
func testClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewClient(port, nil)
}

// deadClient points a Client at a port nothing listens on.
func deadClient(t *testing.T) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return NewClient(port, nil)
}

// runBridge feeds input lines through a bridge until EOF and returns the
// decoded response objects in order.
func runBridge(t *testing.T, c *Client, input string) []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	b := New(c, bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&buf), nil)
	b.pollInterval = 5 * time.Millisecond
	b.startWait = 200 * time.Millisecond
	require.NoError(t, b.Run(context.Background()))

	var responses []map[string]any
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		responses = append(responses, m)
	}
	return responses
}

func rpcError(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	require.Contains(t, resp, "error")
	return resp["error"].(map[string]any)
}

func rpcResult(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	require.NotContains(t, resp, "error")
	require.Contains(t, resp, "result")
	return resp["result"].(map[string]any)
}

func contentText(t *testing.T, resp map[string]any) string {
	t.Helper()
	content := rpcResult(t, resp)["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	return block["text"].(string)
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	// A pipe with no writer keeps the read blocked; cancellation alone must
	// unblock Run.
	pr, pw := io.Pipe()
	defer pw.Close()
	var buf bytes.Buffer
	b := New(deadClient(t), bufio.NewReader(pr), bufio.NewWriter(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run still blocked after cancellation")
	}
}

func TestInitializeRequiresProtocolVersion(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`+"\n")
	require.Len(t, resps, 1)
	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32602), e["code"])
	assert.Equal(t, "protocolVersion is required", e["message"])
}

func TestInitializeReturnsServerInfoAndCatalog(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`+"\n")
	require.Len(t, resps, 1)
	result := rpcResult(t, resps[0])
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "YamuServer", info["name"])
	assert.Equal(t, "1.0.0", info["version"])

	caps := result["capabilities"].(map[string]any)
	assert.NotEmpty(t, caps["tools"])
}

func TestParseErrorDoesNotTerminateLoop(t *testing.T) {
	input := "this is not json\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"
	resps := runBridge(t, deadClient(t), input)
	require.Len(t, resps, 2)

	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32700), e["code"])

	result := rpcResult(t, resps[1])
	assert.NotEmpty(t, result["tools"])
}

func TestUnknownMethod(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":3,"method":"sessions/new"}`+"\n")
	require.Len(t, resps, 1)
	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32601), e["code"])
}

func TestUnknownNotificationIsIgnored(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	assert.Empty(t, resps)
}

func TestToolsListCatalog(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	require.Len(t, resps, 1)
	tools := rpcResult(t, resps[0])["tools"].([]any)
	require.Len(t, tools, 7)

	names := make(map[string]bool)
	for _, raw := range tools {
		tool := raw.(map[string]any)
		name := tool["name"].(string)
		names[name] = true
		assert.NotEmpty(t, tool["description"], "tool %s", name)
		assert.Contains(t, tool, "inputSchema")
	}
	for _, want := range []string{
		"compile_and_wait", "run_tests", "refresh_assets",
		"editor_status", "compile_status", "test_status", "cancel_tests",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32602), e["code"])
	assert.Contains(t, e["message"], "Unknown tool")
}

func TestConnectionRefusedClassifiedNonRetryable(t *testing.T) {
	resps := runBridge(t, deadClient(t),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"editor_status","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32603), e["code"])
	assert.Contains(t, e["message"], "HTTP request failed")

	data := e["data"].(map[string]any)
	assert.Equal(t, string(ErrUnityUnavailable), data["errorType"])
	assert.Equal(t, false, data["retryable"])
	assert.NotEmpty(t, data["instructions"])
}

func TestCompileAndWaitTool(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/compile-and-wait", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "message": "Compilation started"})
	})
	mux.HandleFunc("/compile-status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":      "ok",
			"isCompiling": false,
			"errors": []map[string]any{
				{"file": "Assets/Broken.cs", "line": 42, "message": "CS0103: name does not exist"},
			},
		})
	})
	mux.HandleFunc("/mcp-settings", noTruncationSettings)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"compile_and_wait","arguments":{"timeout":5}}}`+"\n")
	require.Len(t, resps, 1)
	text := contentText(t, resps[0])
	assert.Contains(t, text, "Compilation completed with errors:")
	assert.Contains(t, text, "Assets/Broken.cs:42 - CS0103: name does not exist")
}

func TestCompileAndWaitSuccessMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/compile-and-wait", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "message": "Compilation completed quickly"})
	})
	mux.HandleFunc("/compile-status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "isCompiling": false, "errors": []any{}})
	})
	mux.HandleFunc("/mcp-settings", noTruncationSettings)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"compile_and_wait","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	assert.Equal(t, "Compilation completed successfully with no errors.", contentText(t, resps[0]))
}

// runTestsServer models the editor through one full test run: idle with a
// stale run id, then running under a fresh id, then finished with results.
type runTestsServer struct {
	mux       *http.ServeMux
	mu        sync.Mutex
	triggered bool
	polls     int
}

func newRunTestsServer() *runTestsServer {
	s := &runTestsServer{mux: http.NewServeMux()}
	s.mux.HandleFunc("/run-tests", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.triggered = true
		s.mu.Unlock()
		writeJSON(w, map[string]any{"status": "ok", "message": "Test execution started"})
	})
	s.mux.HandleFunc("/test-status", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case !s.triggered:
			writeJSON(w, map[string]any{"status": "ok", "isRunning": false, "testRunId": "stale-run"})
		case s.polls < 2:
			s.polls++
			writeJSON(w, map[string]any{"status": "ok", "isRunning": true, "testRunId": "fresh-run"})
		default:
			writeJSON(w, map[string]any{
				"status": "ok", "isRunning": false, "testRunId": "fresh-run",
				"testResults": map[string]any{
					"totalTests": 3, "passedTests": 2, "failedTests": 1, "skippedTests": 0,
					"duration": 1.5,
					"results": []map[string]any{
						{"name": "Suite.Pass1", "outcome": "Passed"},
						{"name": "Suite.Pass2", "outcome": "Passed"},
						{"name": "Suite.Broken", "outcome": "Failed", "message": "expected 1, got 2"},
					},
				},
			})
		}
	})
	s.mux.HandleFunc("/mcp-settings", noTruncationSettings)
	return s
}

func TestRunTestsToolTracksRunID(t *testing.T) {
	rts := newRunTestsServer()
	ts := httptest.NewServer(rts.mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"run_tests","arguments":{"test_mode":"EditMode","timeout":5}}}`+"\n")
	require.Len(t, resps, 1)
	text := contentText(t, resps[0])
	assert.Contains(t, text, "Total: 3")
	assert.Contains(t, text, "Passed: 2")
	assert.Contains(t, text, "Failed: 1")
	assert.Contains(t, text, "Suite.Broken: expected 1, got 2")
	assert.NotContains(t, text, "Suite.Pass1")
}

func TestRunTestsWarningPassedThrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run-tests", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":  "warning",
			"message": "Test execution already in progress. Please wait for current test run to complete",
		})
	})
	mux.HandleFunc("/test-status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "isRunning": true, "testRunId": "other"})
	})
	mux.HandleFunc("/mcp-settings", noTruncationSettings)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"run_tests","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	assert.Contains(t, contentText(t, resps[0]), "already in progress")
}

func TestRunTestsStartTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run-tests", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "message": "Test execution started"})
	})
	mux.HandleFunc("/test-status", func(w http.ResponseWriter, _ *http.Request) {
		// The run id never changes: the run never actually starts.
		writeJSON(w, map[string]any{"status": "ok", "isRunning": false, "testRunId": "stale-run"})
	})
	mux.HandleFunc("/mcp-settings", noTruncationSettings)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"run_tests","arguments":{"timeout":5}}}`+"\n")
	require.Len(t, resps, 1)
	e := rpcError(t, resps[0])
	assert.Equal(t, float64(-32603), e["code"])
	assert.Contains(t, e["message"], "Test execution failed to start")

	data := e["data"].(map[string]any)
	assert.Equal(t, true, data["retryable"])
	assert.Equal(t, string(ErrTestStartFailed), data["errorType"])
}

func TestCancelTestsPassthrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cancel-tests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "error", "message": "Failed to cancel test run",
			"guid": r.URL.Query().Get("guid"),
		})
	})
	mux.HandleFunc("/mcp-settings", noTruncationSettings)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"cancel_tests","arguments":{"test_run_guid":"abc-123"}}}`+"\n")
	require.Len(t, resps, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(contentText(t, resps[0])), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "abc-123", body["guid"])
}

func TestResponseTruncation(t *testing.T) {
	long := strings.Repeat("x", 400)
	mux := http.NewServeMux()
	mux.HandleFunc("/editor-status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"isCompiling": false, "isRunningTests": false, "isPlaying": false, "pad": long})
	})
	mux.HandleFunc("/mcp-settings", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"responseCharacterLimit": 100,
			"enableTruncation":       true,
			"truncationMessage":      "[truncated]",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resps := runBridge(t, testClient(t, ts),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"editor_status","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	text := contentText(t, resps[0])
	assert.Len(t, text, 100+len("[truncated]"))
	assert.True(t, strings.HasSuffix(text, "[truncated]"))
}

func noTruncationSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"responseCharacterLimit": 100000,
		"enableTruncation":       false,
		"truncationMessage":      "",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
