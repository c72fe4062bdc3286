package bridge

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/polyblank66/Yamu/errors"
	"go.uber.org/zap"
)

// ErrorType classifies a tool failure for the calling agent. The
// classification, not the message text, is what the agent should act on.
type ErrorType string

const (
	// ErrUnityUnavailable: nothing is listening on the loopback port. Not
	// retryable; the editor has to be started first.
	ErrUnityUnavailable ErrorType = "unity_unavailable"
	// ErrUnityRestarting: the connection dropped mid-flight, which is what a
	// domain reload during compilation or asset refresh looks like. Retryable.
	ErrUnityRestarting ErrorType = "unity_restarting"
	// ErrTestStartFailed: the test runner never picked the run up. Retryable.
	ErrTestStartFailed ErrorType = "test_start_failed"
	// ErrTimeout: the operation did not reach a terminal state in time.
	ErrTimeout ErrorType = "timeout"
)

// ToolError is a classified tool failure. It surfaces on the wire as a
// -32603 response with {errorType, instructions, retryable} data.
type ToolError struct {
	Type         ErrorType
	Message      string
	Instructions string
	Retryable    bool
}

func (e *ToolError) Error() string { return e.Message }

func asToolError(err error) *ToolError {
	var te *ToolError
	if stderrors.As(err, &te) {
		return te
	}
	return nil
}

// Client talks to the editor-embedded HTTP server on the loopback interface.
type Client struct {
	base string
	hc   *http.Client
	log  *zap.Logger
}

func NewClient(port int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		hc:   &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

// getRaw performs one GET and returns the body, classifying any transport
// failure.
func (c *Client) getRaw(path string) ([]byte, error) {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(err)
	}
	return body, nil
}

func (c *Client) getJSON(path string, out any) error {
	body, err := c.getRaw(path)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(body, out), "decode %s response", path)
}

// getJSONRetry is getJSON with limited linear backoff over retryable
// transport failures. Trigger calls use it so that a host that is briefly
// mid-reload does not immediately fail the whole tool call.
func (c *Client) getJSONRetry(path string, out any) error {
	var lastErr error
	_ = retry.Retry(func(attempt uint) error {
		lastErr = c.getJSON(path, out)
		if te := asToolError(lastErr); te != nil && !te.Retryable {
			return nil // stop retrying, surface below
		}
		if lastErr != nil && attempt > 0 {
			c.log.Debug("retrying request", zap.String("path", path), zap.Uint("attempt", attempt))
		}
		return lastErr
	}, strategy.Limit(3), strategy.Backoff(backoff.Linear(500*time.Millisecond)))
	return lastErr
}

// classify maps low-level transport errors onto the retryable/non-retryable
// taxonomy. Expected host restarts during compilation or refresh must come
// out retryable, never as fatal client errors.
func (c *Client) classify(err error) error {
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return &ToolError{
			Type:    ErrUnityUnavailable,
			Message: "HTTP request failed: " + err.Error(),
			Instructions: "The Unity editor is not reachable at " + c.base +
				". Make sure the editor is open and the Yamu server is enabled.",
			Retryable: false,
		}
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.EPIPE), isTimeout(err):
		return &ToolError{
			Type:    ErrUnityRestarting,
			Message: "HTTP request failed: " + err.Error(),
			Instructions: "The Unity editor is likely restarting its script domain " +
				"(compilation or asset refresh). Wait a few seconds and retry.",
			Retryable: true,
		}
	}
	return &ToolError{
		Type:      "http_error",
		Message:   "HTTP request failed: " + err.Error(),
		Retryable: false,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
