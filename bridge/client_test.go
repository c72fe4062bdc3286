package bridge

import (
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func dialErr(errno syscall.Errno) error {
	return &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", errno),
	}
}

func TestClassifyConnectionRefused(t *testing.T) {
	c := NewClient(17932, nil)
	te := asToolError(c.classify(dialErr(syscall.ECONNREFUSED)))
	require.NotNil(t, te)
	assert.Equal(t, ErrUnityUnavailable, te.Type)
	assert.False(t, te.Retryable)
	assert.Contains(t, te.Message, "HTTP request failed")
	assert.Contains(t, te.Instructions, "http://127.0.0.1:17932")
}

func TestClassifyConnectionDropped(t *testing.T) {
	c := NewClient(17932, nil)
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.EPIPE} {
		te := asToolError(c.classify(&net.OpError{Op: "read", Net: "tcp", Err: errno}))
		require.NotNil(t, te, "errno %v", errno)
		assert.Equal(t, ErrUnityRestarting, te.Type)
		assert.True(t, te.Retryable)
	}
}

func TestClassifyTimeout(t *testing.T) {
	c := NewClient(17932, nil)
	te := asToolError(c.classify(&net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}))
	require.NotNil(t, te)
	assert.Equal(t, ErrUnityRestarting, te.Type)
	assert.True(t, te.Retryable)
}

func TestClassifyUnknownTransportError(t *testing.T) {
	c := NewClient(17932, nil)
	te := asToolError(c.classify(&net.OpError{Op: "read", Net: "tcp", Err: syscall.EINVAL}))
	require.NotNil(t, te)
	assert.Equal(t, ErrorType("http_error"), te.Type)
	assert.False(t, te.Retryable)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	// Nothing listens here, so every attempt refuses. The non-retryable
	// classification must short-circuit the backoff schedule.
	c := deadClient(t)
	start := time.Now()
	err := c.getJSONRetry("/editor-status", nil)
	elapsed := time.Since(start)

	te := asToolError(err)
	require.NotNil(t, te)
	assert.Equal(t, ErrUnityUnavailable, te.Type)
	assert.Less(t, elapsed, 400*time.Millisecond, "should not have waited out the backoff")
}

func TestFormatCompileResult(t *testing.T) {
	var st compileStatus
	assert.Equal(t, "Compilation completed successfully with no errors.", formatCompileResult(st))

	st.Errors = []struct {
		File    string `json:"file"`
		Line    int    `json:"line"`
		Message string `json:"message"`
	}{
		{File: "Assets/A.cs", Line: 10, Message: "CS1002: ; expected"},
		{File: "Assets/B.cs", Line: 3, Message: "CS0246: type not found"},
	}
	got := formatCompileResult(st)
	assert.Equal(t,
		"Compilation completed with errors:\n"+
			"Assets/A.cs:10 - CS1002: ; expected\n"+
			"Assets/B.cs:3 - CS0246: type not found",
		got)
}

func TestFormatTestResultAllPassed(t *testing.T) {
	var st testStatus
	st.TestResults.TotalTests = 2
	st.TestResults.PassedTests = 2
	st.TestResults.Duration = 0.25
	got := formatTestResult(st)
	assert.Equal(t, "Test run completed. Total: 2, Passed: 2, Failed: 0, Skipped: 0, Duration: 0.25s", got)
}

func TestFormatTestResultListsFailures(t *testing.T) {
	var st testStatus
	st.TestResults.TotalTests = 3
	st.TestResults.PassedTests = 1
	st.TestResults.FailedTests = 2
	st.TestResults.Results = []struct {
		Name     string  `json:"name"`
		Outcome  string  `json:"outcome"`
		Message  string  `json:"message"`
		Duration float64 `json:"duration"`
	}{
		{Name: "Suite.Ok", Outcome: "Passed"},
		{Name: "Suite.Bad", Outcome: "Failed", Message: "boom"},
		{Name: "Suite.Maybe", Outcome: "Inconclusive", Message: "no verdict"},
	}
	st.HasError = true
	st.ErrorMessage = "runner crashed"

	got := formatTestResult(st)
	assert.Contains(t, got, "Error: runner crashed")
	assert.Contains(t, got, "Failed tests:")
	assert.Contains(t, got, "- Suite.Bad: boom")
	assert.Contains(t, got, "- Suite.Maybe: no verdict")
	assert.NotContains(t, got, "Suite.Ok:")
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"timeout": float64(45),
		"mode":    "PlayMode",
		"force":   true,
		"zero":    float64(0),
	}
	assert.Equal(t, 45, argInt(args, "timeout", 30))
	assert.Equal(t, 30, argInt(args, "missing", 30))
	assert.Equal(t, 60, argInt(args, "zero", 60))
	assert.Equal(t, "PlayMode", argString(args, "mode", "EditMode"))
	assert.Equal(t, "EditMode", argString(args, "missing", "EditMode"))
	assert.True(t, argBool(args, "force", false))
	assert.False(t, argBool(args, "missing", false))
}
