package bridge

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/polyblank66/Yamu/errors"
)

// Tool describes one entry of the static tool catalog exposed through
// initialize and tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func catalog() []Tool {
	return []Tool{
		{
			Name:        "compile_and_wait",
			Description: "Trigger Unity script compilation and wait for it to finish, reporting any compile errors.",
			InputSchema: objectSchema(map[string]any{
				"timeout": map[string]any{"type": "number", "description": "Seconds to wait for compilation (default 30)"},
			}),
		},
		{
			Name:        "run_tests",
			Description: "Run Unity tests and wait for the results summary.",
			InputSchema: objectSchema(map[string]any{
				"test_mode":         map[string]any{"type": "string", "enum": []string{"EditMode", "PlayMode"}, "description": "Test mode (default EditMode)"},
				"test_filter":       map[string]any{"type": "string", "description": "Pipe-delimited list of fully qualified test names"},
				"test_filter_regex": map[string]any{"type": "string", "description": "Regex group pattern selecting tests"},
				"timeout":           map[string]any{"type": "number", "description": "Seconds to wait for the run (default 60)"},
			}),
		},
		{
			Name:        "refresh_assets",
			Description: "Refresh the Unity asset database.",
			InputSchema: objectSchema(map[string]any{
				"force": map[string]any{"type": "boolean", "description": "Force reimport even for up-to-date assets (default false)"},
			}),
		},
		{
			Name:        "editor_status",
			Description: "Report whether the editor is compiling, running tests or in play mode.",
			InputSchema: objectSchema(nil),
		},
		{
			Name:        "compile_status",
			Description: "Report the last compilation result without triggering a compile.",
			InputSchema: objectSchema(nil),
		},
		{
			Name:        "test_status",
			Description: "Report the current test run state and last results without running tests.",
			InputSchema: objectSchema(nil),
		},
		{
			Name:        "cancel_tests",
			Description: "Request cancellation of a running test run.",
			InputSchema: objectSchema(map[string]any{
				"test_run_guid": map[string]any{"type": "string", "description": "Run id to cancel (defaults to the current run)"},
			}),
		},
	}
}

func objectSchema(props map[string]any) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	return map[string]any{"type": "object", "properties": props}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type compileStatus struct {
	Status          string `json:"status"`
	IsCompiling     bool   `json:"isCompiling"`
	LastCompileTime string `json:"lastCompileTime"`
	Errors          []struct {
		File    string `json:"file"`
		Line    int    `json:"line"`
		Message string `json:"message"`
	} `json:"errors"`
}

type testStatus struct {
	Status       string `json:"status"`
	IsRunning    bool   `json:"isRunning"`
	LastTestTime string `json:"lastTestTime"`
	TestResults  struct {
		TotalTests   int     `json:"totalTests"`
		PassedTests  int     `json:"passedTests"`
		FailedTests  int     `json:"failedTests"`
		SkippedTests int     `json:"skippedTests"`
		Duration     float64 `json:"duration"`
		Results      []struct {
			Name     string  `json:"name"`
			Outcome  string  `json:"outcome"`
			Message  string  `json:"message"`
			Duration float64 `json:"duration"`
		} `json:"results"`
	} `json:"testResults"`
	TestRunID    string `json:"testRunId"`
	HasError     bool   `json:"hasError"`
	ErrorMessage string `json:"errorMessage"`
}

// callTool dispatches a tools/call by name. Unknown names are reported by the
// caller as invalid-params; any error returned here is a tool execution
// failure.
func (b *Bridge) callTool(name string, args map[string]any) (string, bool, error) {
	switch name {
	case "compile_and_wait":
		text, err := b.compileAndWait(argInt(args, "timeout", 30))
		return text, true, err
	case "run_tests":
		text, err := b.runTests(
			argString(args, "test_mode", "EditMode"),
			argString(args, "test_filter", ""),
			argString(args, "test_filter_regex", ""),
			argInt(args, "timeout", 60),
		)
		return text, true, err
	case "refresh_assets":
		text, err := b.refreshAssets(argBool(args, "force", false))
		return text, true, err
	case "editor_status":
		text, err := b.passthrough("/editor-status")
		return text, true, err
	case "compile_status":
		text, err := b.passthrough("/compile-status")
		return text, true, err
	case "test_status":
		text, err := b.passthrough("/test-status")
		return text, true, err
	case "cancel_tests":
		text, err := b.cancelTests(argString(args, "test_run_guid", ""))
		return text, true, err
	}
	return "", false, nil
}

// compileAndWait triggers a compile and polls compile-status until the
// compiler is idle or the caller's timeout expires. Individual poll failures
// are swallowed and retried; the host dropping connections mid-compile is
// expected.
func (b *Bridge) compileAndWait(timeoutSec int) (string, error) {
	var trig statusResponse
	if err := b.client.getJSONRetry("/compile-and-wait", &trig); err != nil {
		return "", err
	}

	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		var st compileStatus
		if err := b.client.getJSON("/compile-status", &st); err == nil && !st.IsCompiling {
			return formatCompileResult(st), nil
		}
		time.Sleep(b.pollInterval)
	}
	return "", &ToolError{
		Type:      ErrTimeout,
		Message:   fmt.Sprintf("Compilation timeout after %d seconds", timeoutSec),
		Retryable: false,
	}
}

func formatCompileResult(st compileStatus) string {
	if len(st.Errors) == 0 {
		return "Compilation completed successfully with no errors."
	}
	var sb strings.Builder
	sb.WriteString("Compilation completed with errors:\n")
	for _, e := range st.Errors {
		fmt.Fprintf(&sb, "%s:%d - %s\n", e.File, e.Line, e.Message)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// runTests triggers a run and tracks it by run id. The id snapshot taken
// before the trigger guards against reading stale results: only once the
// reported id changes has the new run actually started.
func (b *Bridge) runTests(mode, filter, filterRegex string, timeoutSec int) (string, error) {
	var before testStatus
	// A failed snapshot only means we cannot compare ids; tolerated.
	_ = b.client.getJSON("/test-status", &before)

	q := url.Values{}
	q.Set("mode", mode)
	if filter != "" {
		q.Set("filter", filter)
	}
	if filterRegex != "" {
		q.Set("filter_regex", filterRegex)
	}
	var trig statusResponse
	if err := b.client.getJSONRetry("/run-tests?"+q.Encode(), &trig); err != nil {
		return "", err
	}
	switch trig.Status {
	case "warning":
		return trig.Message, nil
	case "error":
		return "", errors.New("%s", trig.Message)
	}

	runID, err := b.waitForRunStart(before.TestRunID)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		var st testStatus
		if err := b.client.getJSON("/test-status", &st); err == nil &&
			st.TestRunID == runID && !st.IsRunning {
			return formatTestResult(st), nil
		}
		time.Sleep(b.pollInterval)
	}
	return "", &ToolError{
		Type:      ErrTimeout,
		Message:   fmt.Sprintf("Test run timeout after %d seconds", timeoutSec),
		Retryable: false,
	}
}

// waitForRunStart polls, short-bounded, until the reported run id differs
// from the pre-trigger snapshot. A run that fails during startup is surfaced
// as a retryable error since the test runner may simply still be
// initializing.
func (b *Bridge) waitForRunStart(previousID string) (string, error) {
	deadline := time.Now().Add(b.startWait)
	for time.Now().Before(deadline) {
		var st testStatus
		if err := b.client.getJSON("/test-status", &st); err == nil {
			if st.TestRunID != "" && st.TestRunID != previousID {
				return st.TestRunID, nil
			}
			if st.HasError && !st.IsRunning && st.ErrorMessage != "" {
				return "", &ToolError{
					Type:         ErrTestStartFailed,
					Message:      "Test execution failed to start: " + st.ErrorMessage,
					Instructions: "The Unity test runner reported a startup failure. Retry in a few seconds.",
					Retryable:    true,
				}
			}
		}
		time.Sleep(b.pollInterval)
	}
	return "", &ToolError{
		Type:         ErrTestStartFailed,
		Message:      "Test execution failed to start",
		Instructions: "The Unity test runner may still be initializing. Retry in a few seconds.",
		Retryable:    true,
	}
}

func formatTestResult(st testStatus) string {
	r := st.TestResults
	var sb strings.Builder
	fmt.Fprintf(&sb, "Test run completed. Total: %d, Passed: %d, Failed: %d, Skipped: %d, Duration: %.2fs",
		r.TotalTests, r.PassedTests, r.FailedTests, r.SkippedTests, r.Duration)
	if st.HasError && st.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError: %s", st.ErrorMessage)
	}
	if r.FailedTests > 0 {
		sb.WriteString("\nFailed tests:")
		for _, res := range r.Results {
			if res.Outcome == "Failed" || res.Outcome == "Inconclusive" {
				fmt.Fprintf(&sb, "\n- %s: %s", res.Name, res.Message)
			}
		}
	}
	return sb.String()
}

func (b *Bridge) refreshAssets(force bool) (string, error) {
	path := "/refresh-assets?force=false"
	if force {
		path = "/refresh-assets?force=true"
	}
	var trig statusResponse
	if err := b.client.getJSONRetry(path, &trig); err != nil {
		return "", err
	}
	return trig.Message, nil
}

func (b *Bridge) cancelTests(guid string) (string, error) {
	path := "/cancel-tests"
	if guid != "" {
		path += "?guid=" + url.QueryEscape(guid)
	}
	return b.passthrough(path)
}

// passthrough returns the raw JSON body of a status endpoint so the agent
// can parse the structured fields itself.
func (b *Bridge) passthrough(path string) (string, error) {
	body, err := b.client.getRaw(path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	// JSON numbers arrive as float64.
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
